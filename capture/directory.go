package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// SupportedExtensions lists the image formats a DirectorySource decodes.
var SupportedExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp"}

// DirectorySource replays screenshots from a directory. In replay mode it
// loops over the files in lexical order; in watch mode it returns only the
// newest file written since the previous Grab.
type DirectorySource struct {
	dir   string
	watch bool

	files []string
	next  int

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending string
	errs    []error
}

func NewDirectorySource(dir string, watch bool) (*DirectorySource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("capture directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("capture directory: %s is not a directory", dir)
	}

	s := &DirectorySource{dir: dir, watch: watch}
	if !watch {
		s.files, err = listImages(dir)
		if err != nil {
			return nil, err
		}
		if len(s.files) == 0 {
			return nil, fmt.Errorf("capture directory %s contains no images", dir)
		}
		return s, nil
	}

	s.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := s.watcher.Add(dir); err != nil {
		s.watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	slices.Sort(files)
	return files, nil
}

func isImage(name string) bool {
	return slices.Contains(SupportedExtensions, strings.ToLower(filepath.Ext(name)))
}

func (s *DirectorySource) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			// Only care about write/create operations
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isImage(event.Name) {
				continue
			}
			s.mu.Lock()
			s.pending = event.Name
			s.mu.Unlock()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		}
	}
}

// Grab decodes the next image. In watch mode it returns ErrNoFrame until a
// new file appears. A file still being written fails to decode and is
// retried on the next Grab.
func (s *DirectorySource) Grab(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.watch {
		path := s.files[s.next]
		s.next = (s.next + 1) % len(s.files)
		return DecodeFile(path)
	}

	s.mu.Lock()
	path := s.pending
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return nil, fmt.Errorf("watcher: %w", err)
	}
	s.mu.Unlock()

	if path == "" {
		return nil, ErrNoFrame
	}
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.pending == path {
		s.pending = ""
	}
	s.mu.Unlock()
	return img, nil
}

// DecodeFile decodes any supported image file.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Files returns the replay list, empty in watch mode.
func (s *DirectorySource) Files() []string {
	return slices.Clone(s.files)
}

func (s *DirectorySource) Close() error {
	if s.watcher == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}
