package detections

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Preprocessor resizes frames to the square model input and writes them as
// CHW float32 scaled to [0, 1].
type Preprocessor struct {
	size       int
	numWorkers int
}

// parallelMinRows is the smallest input that is split across goroutines.
const parallelMinRows = 256

func NewPreprocessor(size int) *Preprocessor {
	workers := runtime.GOMAXPROCS(0)
	if workers > 8 {
		workers = 8
	}
	return &Preprocessor{size: size, numWorkers: workers}
}

// Process fills dst (len 3*size*size) from img and returns the ratios that
// map model pixels back to source pixels.
func (p *Preprocessor) Process(img image.Image, dst []float32) (ratioW, ratioH float64) {
	b := img.Bounds()
	ratioW = float64(b.Dx()) / float64(p.size)
	ratioH = float64(b.Dy()) / float64(p.size)

	resized := imaging.Resize(img, p.size, p.size, imaging.Linear)

	if p.numWorkers > 1 && p.size >= parallelMinRows {
		p.processParallel(resized, dst)
	} else {
		p.processRows(resized, dst, 0, p.size)
	}
	return ratioW, ratioH
}

// Resize returns the model-sized RGB bytes of img, row-major HWC.
func (p *Preprocessor) Resize(img image.Image) (pixels []byte, ratioW, ratioH float64) {
	b := img.Bounds()
	ratioW = float64(b.Dx()) / float64(p.size)
	ratioH = float64(b.Dy()) / float64(p.size)

	resized := imaging.Resize(img, p.size, p.size, imaging.Linear)
	pixels = make([]byte, 0, p.size*p.size*3)
	for y := 0; y < p.size; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+p.size*4]
		for x := 0; x < len(row); x += 4 {
			pixels = append(pixels, row[x], row[x+1], row[x+2])
		}
	}
	return pixels, ratioW, ratioH
}

func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	rowsPerWorker := p.size / p.numWorkers

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.size
		}

		go func(start, end int) {
			defer wg.Done()
			p.processRows(img, buffer, start, end)
		}(startRow, endRow)
	}

	wg.Wait()
}

func (p *Preprocessor) processRows(img *image.NRGBA, buffer []float32, start, end int) {
	channelSize := p.size * p.size
	for y := start; y < end; y++ {
		src := img.Pix[y*img.Stride:]
		offset := y * p.size
		for x := 0; x < p.size; x++ {
			i := offset + x
			buffer[i] = float32(src[x*4]) / 255.0
			buffer[channelSize+i] = float32(src[x*4+1]) / 255.0
			buffer[channelSize*2+i] = float32(src[x*4+2]) / 255.0
		}
	}
}
