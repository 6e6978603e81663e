package orientation

import (
	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/datasource"
	"github.com/Skryldev/image-loader/pool"
)

// Corrector applies EXIF orientation to decode results.
type Corrector struct {
	Pool *pool.Pool
}

// ReadExifOrientation returns the orientation stored in ds. Only JPEG
// carries one; anything unreadable reports Undefined.
func (c *Corrector) ReadExifOrientation(mimeType string, ds datasource.DataSource) int {
	if ds == nil || core.ImageTypeOf(mimeType) != core.TypeJPEG {
		return Undefined
	}
	rc, err := ds.Open()
	if err != nil {
		return Undefined
	}
	defer rc.Close()
	o, err := ReadJPEG(rc)
	if err != nil {
		return Undefined
	}
	return o
}

// RotateSize records the rotation implied by the attrs' orientation. A
// second call fails with core.ErrOrientationApplied.
func (c *Corrector) RotateSize(attrs *core.ImageAttrs) error {
	return attrs.RotateSize(Degrees(attrs.ExifOrientation()))
}

// Apply returns src transformed for orientation. Identity orientations
// return src itself; otherwise src goes back to the pool and a new bitmap
// is returned.
func (c *Corrector) Apply(src *pool.Bitmap, orientation int) (*pool.Bitmap, error) {
	if orientation <= Normal || orientation > Rotate270 {
		return src, nil
	}
	w, h := src.Width(), src.Height()
	dw, dh := w, h
	if orientation >= Transpose {
		dw, dh = h, w
	}
	dst, err := c.Pool.Get(dw, dh, src.Format())
	if err != nil {
		return nil, err
	}
	bpp := src.Format().BytesPerPixel()
	sp, dp := src.Pix(), dst.Pix()
	ss, ds := src.Stride(), dst.Stride()
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			sx, sy := sourceOf(orientation, x, y, w, h)
			so, do := sy*ss+sx*bpp, y*ds+x*bpp
			copy(dp[do:do+bpp], sp[so:so+bpp])
		}
	}
	c.Pool.Release(src)
	return dst, nil
}

// sourceOf maps a destination pixel back to the source pixel for an image
// of w×h source pixels.
func sourceOf(orientation, x, y, w, h int) (int, int) {
	switch orientation {
	case FlipHorizontal:
		return w - 1 - x, y
	case Rotate180:
		return w - 1 - x, h - 1 - y
	case FlipVertical:
		return x, h - 1 - y
	case Transpose:
		return y, x
	case Rotate90:
		return y, h - 1 - x
	case Transverse:
		return w - 1 - y, h - 1 - x
	case Rotate270:
		return w - 1 - y, x
	}
	return x, y
}
