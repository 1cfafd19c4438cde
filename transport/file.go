package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/FerroO2000/msgbridge/internal/config"
	"github.com/fsnotify/fsnotify"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the file transport configuration.
const (
	DefaultFileConfigOutboundPath = "msgbridge.out"
	DefaultFileConfigInboundPath  = "msgbridge.in"
	DefaultFileConfigReadBufSize  = 32 << 10
)

// FileConfig structs contains the configuration for the file transport.
// Every message is a line. The messages for the peer are appended to
// OutboundPath, the messages of the peer are tailed from InboundPath.
type FileConfig struct {
	// OutboundPath is the file the messages are appended to.
	//
	// Default: msgbridge.out
	OutboundPath string

	// InboundPath is the file tailed for the messages of the peer.
	// It does not need to exist when the transport starts.
	//
	// Default: msgbridge.in
	InboundPath string

	// FromStart states whether the lines already present in the inbound
	// file are received too. By default only the new lines are.
	FromStart bool

	// ReadBufSize is the size of the buffer used to read the inbound file.
	//
	// Default: 32 KiB
	ReadBufSize int
}

// NewFileConfig returns the default configuration for the file transport.
func NewFileConfig() *FileConfig {
	return &FileConfig{
		OutboundPath: DefaultFileConfigOutboundPath,
		InboundPath:  DefaultFileConfigInboundPath,
		ReadBufSize:  DefaultFileConfigReadBufSize,
	}
}

// Validate checks the configuration.
func (c *FileConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "OutboundPath", &c.OutboundPath, DefaultFileConfigOutboundPath)
	config.CheckNotEmpty(ac, "InboundPath", &c.InboundPath, DefaultFileConfigInboundPath)

	config.CheckNotNegative(ac, "ReadBufSize", &c.ReadBufSize, DefaultFileConfigReadBufSize)
	config.CheckNotZero(ac, "ReadBufSize", &c.ReadBufSize, DefaultFileConfigReadBufSize)
}

//////////////
//  TAILER  //
//////////////

// fileTailer reads the lines appended to a file.
type fileTailer struct {
	path   string
	offset int64
	// partial holds the bytes of a line not terminated yet
	partial []byte
	buf     []byte
}

func newFileTailer(path string, bufSize int) *fileTailer {
	return &fileTailer{
		path: path,
		buf:  make([]byte, bufSize),
	}
}

// skipToEnd moves the offset to the current end of the file.
func (ft *fileTailer) skipToEnd() {
	info, err := os.Stat(ft.path)
	if err != nil {
		return
	}
	ft.offset = info.Size()
}

// reset starts reading from the beginning, used when the file is truncated or replaced.
func (ft *fileTailer) reset() {
	ft.offset = 0
	ft.partial = ft.partial[:0]
}

// readLines reads the complete lines appended since the last call.
func (ft *fileTailer) readLines() ([]string, error) {
	f, err := os.Open(ft.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// The file was truncated
	if info.Size() < ft.offset {
		ft.reset()
	}

	if _, err := f.Seek(ft.offset, io.SeekStart); err != nil {
		return nil, err
	}

	var lines []string
	for {
		n, err := f.Read(ft.buf)
		if n > 0 {
			ft.offset += int64(n)
			ft.partial = append(ft.partial, ft.buf[:n]...)

			for {
				idx := bytes.IndexByte(ft.partial, '\n')
				if idx == -1 {
					break
				}

				lines = append(lines, string(ft.partial[:idx]))
				ft.partial = ft.partial[idx+1:]
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return lines, err
		}
	}
}

/////////////////
//  TRANSPORT  //
/////////////////

var _ Transport = (*File)(nil)

// File is a transport exchanging newline-terminated messages through two files.
type File struct {
	*base

	cfg *FileConfig

	writeMux sync.Mutex
	outFile  *os.File

	watcher *fsnotify.Watcher
	tailer  *fileTailer
}

// NewFile returns a new file transport.
func NewFile(cfg *FileConfig) *File {
	if cfg == nil {
		cfg = NewFileConfig()
	}

	return &File{
		base: newBase("file"),
		cfg:  cfg,
	}
}

// Init validates the configuration, opens the outbound file
// and starts watching the directory of the inbound file.
func (f *File) Init(_ context.Context) error {
	f.base.init()
	config.NewValidator(f.tel).Validate(f.cfg)

	outFile, err := os.OpenFile(f.cfg.OutboundPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("transport: failed to open outbound file: %w", err)
	}
	f.outFile = outFile

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		outFile.Close()
		return err
	}

	// Watch the directory, the inbound file may be created or replaced later
	inDir := filepath.Dir(f.cfg.InboundPath)
	if err := watcher.Add(inDir); err != nil {
		watcher.Close()
		outFile.Close()
		return fmt.Errorf("transport: failed to watch %q: %w", inDir, err)
	}
	f.watcher = watcher

	f.tailer = newFileTailer(f.cfg.InboundPath, f.cfg.ReadBufSize)
	if !f.cfg.FromStart {
		f.tailer.skipToEnd()
	}

	return nil
}

// Run tails the inbound file until the context is done or the transport is closed.
func (f *File) Run(ctx context.Context) {
	f.tel.LogInfo("running")

	stop := context.AfterFunc(ctx, f.Close)
	defer stop()

	inPath := filepath.Clean(f.cfg.InboundPath)

	// Lines written before the watcher was ready
	f.readInbound(ctx)

	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != inPath {
				continue
			}

			f.handleEvent(ctx, event)

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.tel.LogError("file watcher error", err)
		}
	}
}

func (f *File) handleEvent(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		f.tailer.reset()

	case event.Has(fsnotify.Create):
		f.tailer.reset()
		f.readInbound(ctx)

	case event.Has(fsnotify.Write):
		f.readInbound(ctx)
	}
}

func (f *File) readInbound(ctx context.Context) {
	lines, err := f.tailer.readLines()
	if err != nil {
		f.tel.LogError("failed to read inbound file", err, "path", f.cfg.InboundPath)
	}

	for _, line := range lines {
		f.receive(ctx, line)
	}
}

// Deliver appends the string as a new line of the outbound file.
func (f *File) Deliver(ctx context.Context, s string) error {
	return f.deliver(ctx, s, func(context.Context) error {
		if strings.ContainsRune(s, '\n') {
			return errors.New("transport: message contains a newline")
		}

		f.writeMux.Lock()
		defer f.writeMux.Unlock()

		_, err := f.outFile.WriteString(s + "\n")
		return err
	})
}

// Close closes the outbound file and the watcher.
func (f *File) Close() {
	if !f.markClosed() {
		return
	}

	if f.watcher != nil {
		f.watcher.Close()
	}

	f.writeMux.Lock()
	defer f.writeMux.Unlock()

	if f.outFile != nil {
		f.outFile.Close()
	}
}
