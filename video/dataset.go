package video

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/draw"
)

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true}

// LoadFrame decodes an image file into a grayscale frame with intensities in
// [0,1]. If size > 0 the image is resized so its short side equals size and
// then center-cropped to size x size.
func LoadFrame(path string, size int) (Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return Frame{}, fmt.Errorf("open frame: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame %s: %w", path, err)
	}
	return frameFromImage(img, size), nil
}

func frameFromImage(img image.Image, size int) Frame {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)

	if size > 0 {
		gray = resizeShortSide(gray, size)
		gray = centerCrop(gray, size)
	}

	gb := gray.Bounds()
	f := NewFrame(gb.Dy(), gb.Dx())
	for y := 0; y < gb.Dy(); y++ {
		for x := 0; x < gb.Dx(); x++ {
			f.Pix[y*f.Width+x] = float32(gray.GrayAt(x, y).Y) / 255.0
		}
	}
	return f
}

// resizeShortSide scales src so that its shorter side equals size, keeping the
// aspect ratio.
func resizeShortSide(src *image.Gray, size int) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	if w == 0 || h == 0 {
		return src
	}
	var nw, nh int
	if w <= h {
		nw, nh = size, h*size/w
	} else {
		nw, nh = w*size/h, size
	}
	if nw == w && nh == h {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func centerCrop(src *image.Gray, size int) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	if w < size || h < size {
		return src
	}
	x0 := (w - size + 1) / 2
	y0 := (h - size + 1) / 2
	dst := image.NewGray(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), src, image.Pt(x0, y0), draw.Src)
	return dst
}

// LoadClip reads every image in dir, sorted by file name, as one clip.
func LoadClip(dir string, size int) (Clip, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Clip{}, fmt.Errorf("read clip directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return Clip{}, fmt.Errorf("no frames found in %s", dir)
	}
	sort.Strings(names)

	clip := Clip{Name: filepath.Base(dir), Frames: make([]Frame, 0, len(names))}
	for _, name := range names {
		f, err := LoadFrame(filepath.Join(dir, name), size)
		if err != nil {
			return Clip{}, err
		}
		clip.Frames = append(clip.Frames, f)
	}
	if err := clip.Validate(); err != nil {
		return Clip{}, err
	}
	return clip, nil
}

// Split assigns clip directory names to the training, validation and test
// sets. The sets never overlap.
type Split struct {
	Train      []string `json:"train"`
	Validation []string `json:"validation"`
	Test       []string `json:"test"`
}

// NewSplit lists the clip directories under dataDir and randomly assigns
// int(n*testFraction) to test, int(n*validationFraction) to validation and
// the remainder to training.
func NewSplit(dataDir string, testFraction, validationFraction float64, rng *rand.Rand) (Split, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return Split{}, fmt.Errorf("read data directory: %w", err)
	}
	var clips []string
	for _, e := range entries {
		if e.IsDir() {
			clips = append(clips, e.Name())
		}
	}
	if len(clips) == 0 {
		return Split{}, fmt.Errorf("no clip directories found in %s", dataDir)
	}
	sort.Strings(clips)
	rng.Shuffle(len(clips), func(i, j int) { clips[i], clips[j] = clips[j], clips[i] })

	n := len(clips)
	nTest := int(float64(n) * testFraction)
	nVal := int(float64(n) * validationFraction)
	if nTest+nVal >= n {
		return Split{}, fmt.Errorf("split of %d clips leaves no training data (test=%d validation=%d)", n, nTest, nVal)
	}
	s := Split{
		Test:       append([]string(nil), clips[:nTest]...),
		Validation: append([]string(nil), clips[nTest:nTest+nVal]...),
		Train:      append([]string(nil), clips[nTest+nVal:]...),
	}
	return s, nil
}

// SaveSplit writes the split as JSON.
func SaveSplit(path string, s Split) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal split: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write split: %w", err)
	}
	return nil
}

// LoadSplit reads a split written by SaveSplit.
func LoadSplit(path string) (Split, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Split{}, fmt.Errorf("read split: %w", err)
	}
	var s Split
	if err := json.Unmarshal(data, &s); err != nil {
		return Split{}, fmt.Errorf("unmarshal split: %w", err)
	}
	return s, nil
}

// Augment controls the random training-time transforms. Each random choice is
// made once per clip so every frame of a clip receives the same transform.
type Augment struct {
	RandomFlips  bool
	BackAndForth bool
}

// Dataset lazily loads clips from Root. Only the clip names are kept in
// memory; frames are read when a clip is requested.
type Dataset struct {
	Root       string
	Clips      []string
	ImageSize  int
	Normalizer Normalizer
	Augment    Augment
}

// Len returns the number of clips.
func (d *Dataset) Len() int { return len(d.Clips) }

// Clip loads, transforms and normalizes the clip at index i. rng drives the
// random augmentation and may be nil when no augmentation is configured.
func (d *Dataset) Clip(i int, rng *rand.Rand) (Clip, error) {
	if i < 0 || i >= len(d.Clips) {
		return Clip{}, fmt.Errorf("clip index %d out of range [0,%d)", i, len(d.Clips))
	}
	clip, err := LoadClip(filepath.Join(d.Root, d.Clips[i]), d.ImageSize)
	if err != nil {
		return Clip{}, err
	}

	var hflip, vflip, reverse bool
	if rng != nil {
		if d.Augment.RandomFlips {
			hflip = rng.Intn(2) == 1
			vflip = rng.Intn(2) == 1
		}
		if d.Augment.BackAndForth {
			reverse = rng.Intn(2) == 1
		}
	}

	for j, f := range clip.Frames {
		if hflip {
			f = f.FlipHorizontal()
		}
		if vflip {
			f = f.FlipVertical()
		}
		clip.Frames[j] = d.Normalizer.Normalize(f)
	}
	if reverse {
		clip = clip.Reversed()
	}
	return clip, nil
}
