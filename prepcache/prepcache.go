// Package prepcache normalizes uploaded room and carpet photos and memoizes
// prepared rooms by content hash.
//
// The room cache is bounded and evicts in insertion order: the oldest entry
// inserted goes first, regardless of how recently it was read. Concurrent
// misses for the same content share one build.
package prepcache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"rugcomposer/core"
	"rugcomposer/floormask"
	"rugcomposer/logging"
	"rugcomposer/vision"
)

// PreparedRoomImage is an immutable prepared room plus its two masks.
// The masks always match Width x Height.
type PreparedRoomImage struct {
	ContentHash     string
	NormalizedBytes []byte // JPEG
	APIMaskBytes    []byte // PNG
	ScoreMaskBytes  []byte // PNG
	Width           int
	Height          int
	OriginalWidth   int
	OriginalHeight  int
}

// PreparedCarpetImage is a per-request carpet photo fitted for upload.
type PreparedCarpetImage struct {
	NormalizedBytes []byte // JPEG
	Width           int
	Height          int
}

// MaskSynthesizer builds a mask pair for the given dimensions.
type MaskSynthesizer interface {
	Synthesize(width, height int) (*floormask.Pair, error)
}

// EventRecorder observes cache hits, misses and evictions.
type EventRecorder interface {
	RecordPrepCacheEvent(event string)
}

// Cache event names passed to EventRecorder.
const (
	EventHit   = "hit"
	EventMiss  = "miss"
	EventEvict = "evict"
)

// Options configures a Cache.
type Options struct {
	Capacity     int
	RoomMaxDim   int
	CarpetMaxDim int
	JPEGQuality  int
}

// OptionsFromConfig extracts cache options from the pipeline config.
func OptionsFromConfig(cfg core.RenderPipelineConfig) Options {
	return Options{
		Capacity:     cfg.CacheCapacity,
		RoomMaxDim:   cfg.RoomMaxDim,
		CarpetMaxDim: cfg.CarpetMaxDim,
		JPEGQuality:  cfg.JPEGQuality,
	}
}

// Cache prepares images and holds prepared rooms. It is safe for concurrent use.
type Cache struct {
	opts     Options
	masks    MaskSynthesizer
	logger   *logging.Logger
	recorder EventRecorder

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest insertion

	builds singleflight.Group
}

// New returns an empty Cache. recorder may be nil.
func New(opts Options, masks MaskSynthesizer, logger *logging.Logger, recorder EventRecorder) *Cache {
	return &Cache{
		opts:     opts,
		masks:    masks,
		logger:   logger.Named("prepcache"),
		recorder: recorder,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Prepare returns the prepared room for roomBytes, building it on a miss.
// Decode failures come back as validation errors.
func (c *Cache) Prepare(roomBytes []byte) (*PreparedRoomImage, error) {
	key := core.ComputeSHA256FromBytes(roomBytes)

	if room, ok := c.lookup(key); ok {
		c.record(EventHit)
		c.logger.Debug("Preparation cache hit", logging.CacheKey(key))
		return room, nil
	}

	result, err, shared := c.builds.Do(key, func() (any, error) {
		if room, ok := c.lookup(key); ok {
			return room, nil
		}
		c.record(EventMiss)

		start := time.Now()
		room, err := c.build(key, roomBytes)
		if err != nil {
			return nil, err
		}
		c.insert(room)

		c.logger.Info("Prepared room image",
			logging.CacheKey(key),
			zap.Int("width", room.Width),
			zap.Int("height", room.Height),
			zap.Int("original_width", room.OriginalWidth),
			zap.Int("original_height", room.OriginalHeight),
			logging.Elapsed(start),
		)
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Joined in-flight room preparation", logging.CacheKey(key))
	}
	return result.(*PreparedRoomImage), nil
}

// PrepareCarpet fits a carpet photo inside CarpetMaxDim. Results are not cached.
func (c *Cache) PrepareCarpet(carpetBytes []byte) (*PreparedCarpetImage, error) {
	img, err := vision.DecodeImage(carpetBytes)
	if err != nil {
		return nil, validationError("carpet", err)
	}

	fitted := vision.FitWithin(img, c.opts.CarpetMaxDim)
	encoded, err := vision.EncodeJPEG(fitted, c.opts.JPEGQuality)
	if err != nil {
		return nil, core.NewInternalError("encode carpet image", err)
	}

	return &PreparedCarpetImage{
		NormalizedBytes: encoded,
		Width:           fitted.Bounds().Dx(),
		Height:          fitted.Bounds().Dy(),
	}, nil
}

// Len reports how many prepared rooms are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) build(key string, roomBytes []byte) (*PreparedRoomImage, error) {
	img, err := vision.DecodeImage(roomBytes)
	if err != nil {
		return nil, validationError("room", err)
	}
	originalW, originalH := img.Bounds().Dx(), img.Bounds().Dy()

	fitted := vision.FitWithin(img, c.opts.RoomMaxDim)
	encoded, err := vision.EncodeJPEG(fitted, c.opts.JPEGQuality)
	if err != nil {
		return nil, core.NewInternalError("encode room image", err)
	}

	// Masks are sized from the encoded bytes, not the in-memory image.
	width, height, err := vision.DecodeDimensions(encoded)
	if err != nil {
		return nil, core.NewInternalError("re-read room dimensions", err)
	}

	pair, err := c.masks.Synthesize(width, height)
	if err != nil {
		return nil, core.NewInternalError("synthesize floor masks", err)
	}
	apiMask, err := vision.EncodePNG(pair.API)
	if err != nil {
		return nil, core.NewInternalError("encode api mask", err)
	}
	scoreMask, err := vision.EncodePNG(pair.Score)
	if err != nil {
		return nil, core.NewInternalError("encode score mask", err)
	}

	return &PreparedRoomImage{
		ContentHash:     key,
		NormalizedBytes: encoded,
		APIMaskBytes:    apiMask,
		ScoreMaskBytes:  scoreMask,
		Width:           width,
		Height:          height,
		OriginalWidth:   originalW,
		OriginalHeight:  originalH,
	}, nil
}

func (c *Cache) lookup(key string) (*PreparedRoomImage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*PreparedRoomImage), true
}

func (c *Cache) insert(room *PreparedRoomImage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[room.ContentHash]; ok {
		return
	}
	c.entries[room.ContentHash] = c.order.PushBack(room)

	for c.order.Len() > c.opts.Capacity {
		oldest := c.order.Front()
		evicted := c.order.Remove(oldest).(*PreparedRoomImage)
		delete(c.entries, evicted.ContentHash)
		c.record(EventEvict)
		c.logger.Debug("Evicted prepared room", logging.CacheKey(evicted.ContentHash))
	}
}

func (c *Cache) record(event string) {
	if c.recorder != nil {
		c.recorder.RecordPrepCacheEvent(event)
	}
}

func validationError(which string, err error) error {
	renderErr := core.NewValidationError(fmt.Sprintf("%s image is missing or unreadable", which))
	if !errors.Is(err, vision.ErrEmptyImage) {
		renderErr.Err = err
	}
	return renderErr
}
