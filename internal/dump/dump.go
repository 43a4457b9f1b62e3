package dump

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	filePrefix            = "diag-"
	fileSuffix            = ".txt"
	fileMode              = 0o644
	dirMode               = 0o755
	stampLayout           = "20060102T150405Z"
	DefaultSectionTimeout = 5 * time.Second
	DefaultKeep           = 20
)

type Config struct {
	Dir            string        `mapstructure:"dir"`
	Keep           int           `mapstructure:"keep"`
	TopN           int           `mapstructure:"top_n"`
	SectionTimeout time.Duration `mapstructure:"section_timeout"`
	LogLines       int           `mapstructure:"log_lines"`
}

// Trigger describes why a dump is taken.
type Trigger struct {
	Reason string
	Value  float64
	Unit   string
	Module string
}

// Section is one read-only snapshot. Collect must honour ctx; the writer
// stops waiting for it once its timeout passes.
type Section struct {
	Name    string
	Timeout time.Duration
	Collect func(ctx context.Context) (string, error)
}

// Writer produces write-once diagnostic dumps.
type Writer struct {
	dir      string
	keep     int
	timeout  time.Duration
	sections []Section
	logger   logger.Logger
	newID    func() string
}

func NewWriter(cfg Config, sections []Section, log logger.Logger) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, errors.New().WithMessage(errors.ErrMissingConfig, "dump directory is empty")
	}
	if log == nil {
		log = logger.Default()
	}
	timeout := cfg.SectionTimeout
	if timeout <= 0 {
		timeout = DefaultSectionTimeout
	}

	return &Writer{
		dir:      cfg.Dir,
		keep:     cfg.Keep,
		timeout:  timeout,
		sections: sections,
		logger:   log,
		newID:    func() string { return uuid.NewString()[:8] },
	}, nil
}

func (w *Writer) Dir() string {
	return w.dir
}

// Capture gathers every section and writes the dump. A section that fails
// or times out is recorded inline and never aborts the dump; only failing
// to write the file is an error.
func (w *Writer) Capture(ctx context.Context, trig Trigger, now time.Time) (string, error) {
	errFactory := errors.New()
	incident := w.newID()

	results := w.collect(ctx)

	var b strings.Builder
	writeHeader(&b, trig, now, incident)
	for i, s := range w.sections {
		fmt.Fprintf(&b, "\n== %s ==\n%s\n", s.Name, results[i])
	}

	if err := os.MkdirAll(w.dir, dirMode); err != nil {
		return "", errFactory.WithData(errors.ErrDumpCaptureFailed, writeFailure{Phase: "mkdir", Path: w.dir, Error: err.Error()})
	}

	name := fmt.Sprintf("%s%s-%s-%s%s", filePrefix, sanitize(trig.Module), now.UTC().Format(stampLayout), incident, fileSuffix)
	path, err := writeOnce(w.dir, name, []byte(b.String()))
	if err != nil {
		return "", err
	}

	w.logger.Info().
		Str("path", path).
		Str("module", trig.Module).
		Str("reason", trig.Reason).
		Str("incident", incident).
		Msg("Diagnostic dump written")

	if w.keep > 0 {
		if _, err := w.Prune(w.keep); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to prune old dumps")
		}
	}

	return path, nil
}

func (w *Writer) collect(ctx context.Context) []string {
	results := make([]string, len(w.sections))

	var g errgroup.Group
	for i, s := range w.sections {
		g.Go(func() error {
			out, err := w.run(ctx, s)
			if err != nil {
				w.logger.Debug().Err(err).Str("section", s.Name).Msg("Dump section unavailable")
				results[i] = "unavailable: " + err.Error()
				return nil
			}
			results[i] = strings.TrimRight(out, "\n")

			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (w *Writer) run(ctx context.Context, s Section) (string, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := s.Collect(ctx)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return "", errors.New().WithMessage(errors.ErrTimeout, "timed out after "+timeout.String())
	}
}

// List returns the dumps in the directory, oldest first.
func (w *Writer) List() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New().Wrap(errors.ErrResourceNotFound, err)
	}

	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(n, filePrefix) && strings.HasSuffix(n, fileSuffix) {
			names = append(names, n)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return stampOf(names[i]) < stampOf(names[j])
	})

	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(w.dir, n)
	}

	return out, nil
}

// Prune deletes all but the newest keep dumps.
func (w *Writer) Prune(keep int) ([]string, error) {
	paths, err := w.List()
	if err != nil || len(paths) <= keep {
		return nil, err
	}

	var removed []string
	for _, p := range paths[:len(paths)-keep] {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return removed, errors.New().Wrap(errors.ErrOperationFailed, err)
		}
		removed = append(removed, p)
	}
	if len(removed) > 0 {
		w.logger.Debug().Int("removed", len(removed)).Msg("Pruned old dumps")
	}

	return removed, nil
}

// writeOnce writes data to a temporary file and hard-links it into place.
// Link fails if the name exists, so a dump is never overwritten and never
// visible half-written.
func writeOnce(dir, name string, data []byte) (string, error) {
	errFactory := errors.New()
	fail := func(phase, path string, err error) error {
		return errFactory.WithData(errors.ErrDumpCaptureFailed, writeFailure{Phase: phase, Path: path, Error: err.Error()})
	}

	tmp, err := os.CreateTemp(dir, ".diag-*.tmp")
	if err != nil {
		return "", fail("create", dir, err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if _, err := bw.Write(data); err != nil {
		tmp.Close()
		return "", fail("write", tmp.Name(), err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return "", fail("write", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fail("sync", tmp.Name(), err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return "", fail("chmod", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return "", fail("close", tmp.Name(), err)
	}

	base := strings.TrimSuffix(name, fileSuffix)
	for i := 0; i < 100; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s.%d%s", base, i, fileSuffix)
		}
		path := filepath.Join(dir, candidate)
		err := os.Link(tmp.Name(), path)
		if err == nil {
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fail("link", path, err)
		}
	}

	return "", fail("link", filepath.Join(dir, name), os.ErrExist)
}

type writeFailure struct {
	Phase string
	Path  string
	Error string
}

func writeHeader(b *strings.Builder, trig Trigger, now time.Time, incident string) {
	host, _ := os.Hostname()
	fmt.Fprintln(b, "healthwatch diagnostic dump")
	fmt.Fprintf(b, "incident: %s\n", incident)
	fmt.Fprintf(b, "time: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(b, "host: %s\n", host)
	fmt.Fprintf(b, "module: %s\n", trig.Module)
	fmt.Fprintf(b, "reason: %s\n", trig.Reason)
	fmt.Fprintf(b, "value: %g%s\n", trig.Value, trig.Unit)
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "manual"
	}

	return s
}

// stampOf extracts the timestamp part of a dump name for ordering.
func stampOf(name string) string {
	n := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	parts := strings.Split(n, "-")
	for _, p := range parts {
		if len(p) == len(stampLayout) && strings.HasSuffix(p, "Z") && strings.Contains(p, "T") {
			return p + n
		}
	}

	return n
}
