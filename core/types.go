package core

import (
	"errors"
	"time"

	"github.com/Skryldev/image-loader/pool"
)

// ImageFrom records where the bytes of a decoded image came from.
type ImageFrom string

const (
	FromLocal     ImageFrom = "local"
	FromDiskCache ImageFrom = "disk_cache"
	FromNetwork   ImageFrom = "network"
	FromMemory    ImageFrom = "memory"
)

// ImageType identifies a codec family detected from a mime type.
type ImageType string

const (
	TypeJPEG    ImageType = "jpeg"
	TypePNG     ImageType = "png"
	TypeWebP    ImageType = "webp"
	TypeGIF     ImageType = "gif"
	TypeBMP     ImageType = "bmp"
	TypeUnknown ImageType = "unknown"
)

// ImageTypeOf maps a mime type to an ImageType.
func ImageTypeOf(mimeType string) ImageType {
	switch mimeType {
	case "image/jpeg", "image/jpg":
		return TypeJPEG
	case "image/png":
		return TypePNG
	case "image/webp":
		return TypeWebP
	case "image/gif":
		return TypeGIF
	case "image/bmp", "image/x-ms-bmp":
		return TypeBMP
	}
	return TypeUnknown
}

// Options controls how a single request is decoded.
type Options struct {
	// PoolDisabled skips the buffer pool for this request.
	PoolDisabled bool
	// CorrectOrientationDisabled skips EXIF orientation lookup and size rotation.
	CorrectOrientationDisabled bool
	// LowQuality trades sampling quality for speed.
	LowQuality bool
	// MaxWidth and MaxHeight bound the decoded size; 0 means no bound.
	MaxWidth  int
	MaxHeight int
	// FailOnPreprocessError turns a failed preprocessor into a request failure
	// instead of falling through to a plain decode.
	FailOnPreprocessError bool
}

// Request is the read-only view of a load request handed to the decode core.
type Request struct {
	ID  string
	URI string
	// CacheKey identifies the disk cache entry holding this request's bytes.
	// Defaults to URI.
	CacheKey string
	// ProcessedKey, when set, names a disk cache entry holding an already
	// processed rendition of this image.
	ProcessedKey string
	Options      Options
}

// DiskCacheKey returns CacheKey, falling back to URI.
func (r *Request) DiskCacheKey() string {
	if r.CacheKey != "" {
		return r.CacheKey
	}
	return r.URI
}

// ErrOrientationApplied is returned when size rotation is requested twice.
var ErrOrientationApplied = errors.New("orientation already applied")

// ImageAttrs describes the source image of a decode. Only RotateSize may
// change it after construction, and only once.
type ImageAttrs struct {
	mimeType        string
	width           int
	height          int
	exifOrientation int
	rotated         bool
}

// NewImageAttrs creates an ImageAttrs record.
func NewImageAttrs(mimeType string, width, height, exifOrientation int) *ImageAttrs {
	return &ImageAttrs{
		mimeType:        mimeType,
		width:           width,
		height:          height,
		exifOrientation: exifOrientation,
	}
}

func (a *ImageAttrs) MimeType() string     { return a.mimeType }
func (a *ImageAttrs) Width() int           { return a.width }
func (a *ImageAttrs) Height() int          { return a.height }
func (a *ImageAttrs) ExifOrientation() int { return a.exifOrientation }
func (a *ImageAttrs) Rotated() bool        { return a.rotated }

// RotateSize applies a rotation of degrees to the recorded size. Width and
// height swap for 90 and 270; other angles only mark the record as corrected.
func (a *ImageAttrs) RotateSize(degrees int) error {
	if a.rotated {
		return ErrOrientationApplied
	}
	a.rotated = true
	switch ((degrees % 360) + 360) % 360 {
	case 90, 270:
		a.width, a.height = a.height, a.width
	}
	return nil
}

// DecodeResult is the outcome of a successful decode.
type DecodeResult interface {
	ImageAttrs() *ImageAttrs
	From() ImageFrom
	BanProcess() bool
}

// BitmapResult is a decoded still image backed by a pool bitmap.
type BitmapResult struct {
	Attrs      *ImageAttrs
	Bitmap     *pool.Bitmap
	ImageFrom  ImageFrom
	SampleSize int
	// Ban marks results that must not be processed again downstream.
	Ban bool
}

func (r *BitmapResult) ImageAttrs() *ImageAttrs { return r.Attrs }
func (r *BitmapResult) From() ImageFrom         { return r.ImageFrom }
func (r *BitmapResult) BanProcess() bool        { return r.Ban }

// Bounds is the result of a bounds-only probe.
type Bounds struct {
	MimeType string
	Width    int
	Height   int
}

// Stage names a step of the decode state machine.
type Stage string

const (
	StagePreprocess  Stage = "preprocess"
	StageResolve     Stage = "resolve_source"
	StageProbeBounds Stage = "probe_bounds"
	StageSelect      Stage = "select_strategy"
	StageDecode      Stage = "decode"
	StageValidate    Stage = "validate"
	StageOrientation Stage = "correct_orientation"
)

// Failure is reported once per terminal decode failure.
type Failure struct {
	RequestID string
	URI       string
	Cause     string
	Bounds    Bounds
	Err       error
}

// Success is reported once per successful decode.
type Success struct {
	RequestID  string
	URI        string
	Bounds     Bounds
	SampleSize int
	Strategy   string
	Elapsed    time.Duration
}
