// Package imagegen talks to the external image edit service.
//
// edit_client.go implements the transport: one multipart POST to
// {baseURL}/images/edits carrying the room and carpet photos, an optional
// mask, the instruction and the output shape. Responses and errors are
// decoded into go-openai's wire types. The request itself is built here
// because go-openai's CreateEditImage takes a single image reader, while the
// service expects both photos as image[] parts.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"

	"rugcomposer/core"
)

// maxResponseBytes bounds a decoded edit response; four 1024px PNGs in
// base64 stay well below it.
const maxResponseBytes = 128 << 20

// ImageFile is one uploaded image part.
type ImageFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// NewImageFile sniffs the content type of data and names the part
// accordingly.
func NewImageFile(stem string, data []byte) ImageFile {
	contentType := http.DetectContentType(data)
	ext := ".png"
	switch contentType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/webp":
		ext = ".webp"
	}
	return ImageFile{Name: stem + ext, ContentType: contentType, Data: data}
}

// EditRequest is the service-neutral shape of one edit call.
type EditRequest struct {
	Model        string
	Images       []ImageFile // room first, then carpet
	Mask         *ImageFile
	Instruction  string
	VariantCount int
	OutputSize   string
	Quality      string
}

// EditOutput is one returned candidate: inline bytes or a URL to fetch.
type EditOutput struct {
	Data []byte
	URL  string
}

// EditClient performs one edit call. Implementations return errors that
// ClassifyError understands.
type EditClient interface {
	Edit(ctx context.Context, req EditRequest) ([]EditOutput, error)
}

// OpenAIEditClient is the EditClient for OpenAI-compatible image edit APIs.
type OpenAIEditClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewOpenAIEditClient returns a client for cfg's edit endpoint. Per-call
// deadlines come from the caller's context.
func NewOpenAIEditClient(cfg *core.Config) (*OpenAIEditClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("imagegen: config cannot be nil")
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	return NewOpenAIEditClientWithHTTP(cfg.ImageEditURL, cfg.OpenAIAPIKey, core.GetHTTPClient(cfg, 0)), nil
}

// NewOpenAIEditClientWithHTTP wires an explicit HTTP client, mainly for tests.
func NewOpenAIEditClientWithHTTP(baseURL, apiKey string, httpClient *http.Client) *OpenAIEditClient {
	return &OpenAIEditClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Edit sends req and returns the candidates in response order.
func (c *OpenAIEditClient) Edit(ctx context.Context, req EditRequest) ([]EditOutput, error) {
	body, contentType, err := encodeEditForm(req)
	if err != nil {
		return nil, fmt.Errorf("imagegen: build edit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/edits", body)
	if err != nil {
		return nil, fmt.Errorf("imagegen: create edit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("imagegen: send edit request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("imagegen: read edit response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeErrorResponse(resp, raw)
	}

	var decoded openai.ImageResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("imagegen: decode edit response: %w", err)
	}

	outputs := make([]EditOutput, 0, len(decoded.Data))
	for i, item := range decoded.Data {
		switch {
		case item.B64JSON != "":
			data, err := base64.StdEncoding.DecodeString(item.B64JSON)
			if err != nil {
				return nil, fmt.Errorf("imagegen: decode candidate %d: %w", i, err)
			}
			outputs = append(outputs, EditOutput{Data: data})
		case item.URL != "":
			outputs = append(outputs, EditOutput{URL: item.URL})
		}
	}
	if len(outputs) == 0 {
		return nil, ErrNoCandidates
	}
	return outputs, nil
}

// ErrNoCandidates means the service answered 2xx without any image.
var ErrNoCandidates = errors.New("imagegen: edit response contained no images")

func encodeEditForm(req EditRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"model", req.Model},
		{"prompt", req.Instruction},
		{"n", strconv.Itoa(req.VariantCount)},
		{"size", req.OutputSize},
		{"quality", req.Quality},
	}
	for _, field := range fields {
		if field[1] == "" {
			continue
		}
		if err := form.WriteField(field[0], field[1]); err != nil {
			return nil, "", err
		}
	}

	for _, img := range req.Images {
		if err := writeFilePart(form, "image[]", img); err != nil {
			return nil, "", err
		}
	}
	if req.Mask != nil {
		if err := writeFilePart(form, "mask", *req.Mask); err != nil {
			return nil, "", err
		}
	}

	if err := form.Close(); err != nil {
		return nil, "", err
	}
	return &buf, form.FormDataContentType(), nil
}

func writeFilePart(form *multipart.Writer, field string, file ImageFile) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, file.Name))
	header.Set("Content-Type", file.ContentType)

	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(file.Data)
	return err
}

// decodeErrorResponse turns a non-2xx answer into *openai.APIError when the
// body follows the OpenAI error envelope, else *openai.RequestError.
func decodeErrorResponse(resp *http.Response, raw []byte) error {
	var envelope openai.ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		envelope.Error.HTTPStatus = resp.Status
		envelope.Error.HTTPStatusCode = resp.StatusCode
		return envelope.Error
	}
	return &openai.RequestError{
		HTTPStatus:     resp.Status,
		HTTPStatusCode: resp.StatusCode,
		Err:            fmt.Errorf("unexpected response from image edit service"),
		Body:           raw,
	}
}

var _ EditClient = (*OpenAIEditClient)(nil)
