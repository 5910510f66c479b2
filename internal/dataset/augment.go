package dataset

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultAugmentationFactor is the number of variants written per image.
const DefaultAugmentationFactor = 5

// Summary reports the result of Augment.
type Summary struct {
	Output    string `json:"output"`
	Classes   int    `json:"classes"`
	Originals int    `json:"originals"`
	Augmented int    `json:"augmented"`
}

type transform func(img image.Image, rng *rand.Rand) image.Image

func rotate(img image.Image, rng *rand.Rand) image.Image {
	b := img.Bounds()
	rotated := imaging.Rotate(img, uniform(rng, -30, 30), color.Black)
	return imaging.CropCenter(rotated, b.Dx(), b.Dy())
}

func flip(img image.Image, rng *rand.Rand) image.Image {
	if rng.Intn(2) == 0 {
		return imaging.FlipH(img)
	}
	return img
}

func brightness(img image.Image, rng *rand.Rand) image.Image {
	return imaging.AdjustBrightness(img, uniform(rng, -20, 20))
}

func contrast(img image.Image, rng *rand.Rand) image.Image {
	return imaging.AdjustContrast(img, uniform(rng, -20, 20))
}

func saturation(img image.Image, rng *rand.Rand) image.Image {
	return imaging.AdjustSaturation(img, uniform(rng, -20, 20))
}

// sharpness blurs slightly below a factor of 1 and sharpens above it.
func sharpness(img image.Image, rng *rand.Rand) image.Image {
	f := uniform(rng, 0.8, 2.0)
	if f < 1 {
		return imaging.Blur(img, 1-f)
	}
	return imaging.Sharpen(img, f-1)
}

// noise adds gaussian noise with a standard deviation of 10 levels.
func noise(img image.Image, rng *rand.Rand) image.Image {
	out := imaging.Clone(img)
	for i := range out.Pix {
		if i%4 == 3 {
			continue
		}
		v := float64(out.Pix[i]) + rng.NormFloat64()*10
		out.Pix[i] = uint8(max(0, min(255, v+0.5)))
	}
	return out
}

// crop takes a random square of 80% of the short side and scales it back.
func crop(img image.Image, rng *rand.Rand) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	size := int(float64(min(w, h)) * 0.8)
	if size < 1 {
		return img
	}
	x := b.Min.X + int(uniform(rng, 0, float64(w-size)))
	y := b.Min.Y + int(uniform(rng, 0, float64(h-size)))
	cropped := imaging.Crop(img, image.Rect(x, y, x+size, y+size))
	return imaging.Resize(cropped, w, h, imaging.Lanczos)
}

var transforms = []transform{rotate, flip, brightness, contrast, saturation, sharpness, noise, crop}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// augmentImage applies a random 2 to 4 distinct transforms in random order.
func augmentImage(img image.Image, rng *rand.Rand) image.Image {
	n := 2 + rng.Intn(3)
	for _, i := range rng.Perm(len(transforms))[:n] {
		img = transforms[i](img, rng)
	}
	return img
}

// imageSeed derives a per-file seed so results do not depend on scheduling.
func imageSeed(seed int64, class, name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(class))
	h.Write([]byte{0})
	h.Write([]byte(name))
	return seed ^ int64(h.Sum64())
}

// Augment copies every image under in to out, keeping class folders, and
// writes factor variants of each as <stem>_aug_<j><ext>. out defaults to
// in + "_augmented".
func Augment(ctx context.Context, in, out string, factor int, seed int64) (Summary, error) {
	if factor < 0 {
		return Summary{}, fmt.Errorf("dataset: augmentation factor must not be negative, got %d", factor)
	}
	if out == "" {
		out = strings.TrimRight(in, string(filepath.Separator)) + "_augmented"
	}
	classes, err := model.DiscoverClasses(in)
	if err != nil {
		return Summary{}, err
	}

	// Prepare every class folder before any worker starts so a setup
	// failure never leaves writers running behind the returned error.
	type job struct{ class, srcDir, dstDir, name string }
	summary := Summary{Output: out, Classes: len(classes)}
	var jobs []job
	for _, class := range classes {
		srcDir, dstDir := filepath.Join(in, class), filepath.Join(out, class)
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return summary, fmt.Errorf("dataset: %w", err)
		}
		files, err := listImages(srcDir)
		if err != nil {
			return summary, err
		}
		for _, name := range files {
			jobs = append(jobs, job{class: class, srcDir: srcDir, dstDir: dstDir, name: name})
		}
	}
	summary.Originals = len(jobs)

	var augmented atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src := filepath.Join(j.srcDir, j.name)
			if err := copyFile(src, filepath.Join(j.dstDir, j.name)); err != nil {
				return err
			}
			img, _, err := imageutil.Path(src).Decode()
			if err != nil {
				return fmt.Errorf("dataset: %s: %w", src, err)
			}
			rgb, err := imageutil.ToRGB(img)
			if err != nil {
				return fmt.Errorf("dataset: %s: %w", src, err)
			}

			rng := rand.New(rand.NewSource(imageSeed(seed, j.class, j.name)))
			ext := filepath.Ext(j.name)
			stem := strings.TrimSuffix(j.name, ext)
			for k := 0; k < factor; k++ {
				dst := filepath.Join(j.dstDir, fmt.Sprintf("%s_aug_%d%s", stem, k, ext))
				if err := imaging.Save(augmentImage(rgb, rng), dst); err != nil {
					return fmt.Errorf("dataset: save %s: %w", dst, err)
				}
				augmented.Add(1)
			}
			return nil
		})
	}

	err = g.Wait()
	summary.Augmented = int(augmented.Load())
	if err != nil {
		return summary, err
	}
	log.Info().
		Str("output", out).
		Int("originals", summary.Originals).
		Int("augmented", summary.Augmented).
		Msg("dataset augmentation complete")
	return summary, nil
}
