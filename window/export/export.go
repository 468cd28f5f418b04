// Package export is a headless window which writes every plotted buffer
// into a directory, alongside a yaml manifest describing them.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"

	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/export"
	"github.com/pattyshack/imagewatch/window"
)

const ManifestFileName = "manifest.yaml"

type Entry struct {
	VariableName    string `yaml:"variable_name"`
	DisplayName     string `yaml:"display_name"`
	File            string `yaml:"file"`
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	Channels        int    `yaml:"channels"`
	Type            string `yaml:"type"`
	RowStride       int    `yaml:"row_stride"`
	PixelLayout     string `yaml:"pixel_layout"`
	TransposeBuffer bool   `yaml:"transpose_buffer"`
	Hash            string `yaml:"xxh3"`
	Revision        int    `yaml:"revision"`
	UpdatedAt       string `yaml:"updated_at"`
}

type Manifest struct {
	SessionId        string   `yaml:"session_id"`
	StartedAt        string   `yaml:"started_at"`
	AvailableSymbols []string `yaml:"available_symbols"`
	Buffers          []Entry  `yaml:"buffers"`
}

type Options struct {
	Dir    string
	Format export.Format
	Logger zerolog.Logger
}

type Window struct {
	dir    string
	format export.Format
	logger zerolog.Logger

	mutex sync.Mutex

	plotRequest func(string)
	ready       bool

	sessionId string
	startedAt time.Time

	symbols  []string
	observed []string
	entries  map[string]*Entry

	dirty  bool
	writes int
}

var _ window.Window = &Window{}

func New(opts Options) *Window {
	format := opts.Format
	if format == "" {
		format = export.PNG
	}

	return &Window{
		dir:     opts.Dir,
		format:  format,
		logger:  opts.Logger,
		entries: map[string]*Entry{},
	}
}

func (w *Window) Initialize(plotRequest func(variableName string)) error {
	if w.dir == "" {
		return fmt.Errorf("%w. export directory not specified", ErrInvalidArgument)
	}

	err := os.MkdirAll(w.dir, 0755)
	if err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.plotRequest = plotRequest
	w.ready = true
	w.sessionId = uuid.NewString()
	w.startedAt = time.Now()
	w.dirty = true

	w.logger.Info().
		Str("dir", w.dir).
		Str("session_id", w.sessionId).
		Msg("export window initialized")

	return nil
}

func (w *Window) IsReady() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.ready
}

func (w *Window) SessionId() string {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.sessionId
}

// Number of buffer files written so far.
func (w *Window) Writes() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.writes
}

// RequestPlot asks the window's owner to plot the named buffer, as if the
// user requested it from the window.
func (w *Window) RequestPlot(variableName string) {
	w.mutex.Lock()
	plotRequest := w.plotRequest
	w.mutex.Unlock()

	if plotRequest != nil {
		plotRequest(variableName)
	}
}

func fileStem(variableName string) string {
	return strings.Map(
		func(r rune) rune {
			switch {
			case 'a' <= r && r <= 'z',
				'A' <= r && r <= 'Z',
				'0' <= r && r <= '9',
				r == '_', r == '.', r == '-':
				return r
			}
			return '_'
		},
		variableName)
}

func sameLayout(entry *Entry, desc *buffer.Descriptor) bool {
	return entry.Width == desc.Width &&
		entry.Height == desc.Height &&
		entry.Channels == desc.Channels &&
		entry.Type == desc.Type.String() &&
		entry.RowStride == desc.RowStride &&
		entry.PixelLayout == string(desc.PixelLayout) &&
		entry.TransposeBuffer == desc.TransposeBuffer
}

func (w *Window) PlotBuffer(buf *buffer.Buffer) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.ready {
		return fmt.Errorf("%w. export window is not initialized", ErrInvalidArgument)
	}

	name := buf.VariableName
	hash := fmt.Sprintf("%016x", xxh3.Hash(buf.Data))

	w.observe(name)

	entry, ok := w.entries[name]
	if ok && entry.Hash == hash && sameLayout(entry, &buf.Descriptor) {
		w.logger.Debug().Str("variable", name).Msg("buffer unchanged")
		return nil
	}

	file := fileStem(name) + w.format.Extension()
	err := export.WriteFile(filepath.Join(w.dir, file), buf, w.format)
	if err != nil {
		return err
	}
	w.writes++

	revision := 1
	if ok {
		revision = entry.Revision + 1
	}

	w.entries[name] = &Entry{
		VariableName:    name,
		DisplayName:     buf.DisplayName,
		File:            file,
		Width:           buf.Width,
		Height:          buf.Height,
		Channels:        buf.Channels,
		Type:            buf.Type.String(),
		RowStride:       buf.RowStride,
		PixelLayout:     string(buf.PixelLayout),
		TransposeBuffer: buf.TransposeBuffer,
		Hash:            hash,
		Revision:        revision,
		UpdatedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	w.dirty = true

	w.logger.Info().
		Str("variable", name).
		Str("file", file).
		Int("revision", revision).
		Msg("exported buffer")

	return nil
}

// Must be called with the mutex held.
func (w *Window) observe(name string) {
	for _, observed := range w.observed {
		if observed == name {
			return
		}
	}
	w.observed = append(w.observed, name)
}

func (w *Window) SetAvailableSymbols(symbols []string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.symbols = append([]string{}, symbols...)
	w.dirty = true
}

func (w *Window) AvailableSymbols() []string {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return append([]string{}, w.symbols...)
}

func (w *Window) ObservedBuffers() []string {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return append([]string{}, w.observed...)
}

// Forget stops observing the named buffer (the headless analog of closing
// its view).
func (w *Window) Forget(name string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	for idx, observed := range w.observed {
		if observed == name {
			w.observed = append(w.observed[:idx], w.observed[idx+1:]...)
			break
		}
	}

	_, ok := w.entries[name]
	if ok {
		delete(w.entries, name)
		w.dirty = true
	}
}

// RunEventLoop flushes the manifest when it changed.
func (w *Window) RunEventLoop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.ready || !w.dirty {
		return
	}

	err := w.writeManifest()
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to write manifest")
		return
	}
	w.dirty = false
}

// Must be called with the mutex held.
func (w *Window) writeManifest() error {
	manifest := Manifest{
		SessionId:        w.sessionId,
		StartedAt:        w.startedAt.UTC().Format(time.RFC3339),
		AvailableSymbols: w.symbols,
		Buffers:          make([]Entry, 0, len(w.observed)),
	}

	for _, name := range w.observed {
		entry, ok := w.entries[name]
		if ok {
			manifest.Buffers = append(manifest.Buffers, *entry)
		}
	}

	content, err := yaml.Marshal(&manifest)
	if err != nil {
		return err
	}

	path := filepath.Join(w.dir, ManifestFileName)
	tmp := path + ".tmp"

	err = os.WriteFile(tmp, content, 0644)
	if err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func ReadManifest(dir string) (*Manifest, error) {
	content, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{}
	err = yaml.Unmarshal(content, manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return manifest, nil
}

func (w *Window) Cleanup() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.ready {
		return
	}

	if w.dirty {
		err := w.writeManifest()
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to write manifest")
		}
	}

	w.ready = false
	w.plotRequest = nil
}
