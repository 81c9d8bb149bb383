package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"fileconv/config"
	"fileconv/convert"
	"fileconv/format"
	"fileconv/logging"
	"fileconv/progress"

	"github.com/lithammer/shortuuid/v4"
)

// Publisher is the part of the broadcaster the manager depends on.
type Publisher interface {
	Publish(progress.Event)
}

// Request is a validated-shape conversion request. FilePath must already be
// resolved to a local path by the caller.
type Request struct {
	FilePath         string
	OriginalFilename string
	OutputFormat     string
	Options          convert.Options
}

// CancelResult reports what a cancellation actually did.
type CancelResult struct {
	Job           Job
	ProcessFound  bool
	ProcessKilled bool
	FileDeleted   bool
}

// Deps holds the collaborators of a Manager. Registry and Handles default to
// fresh empty instances.
type Deps struct {
	Registry   *Registry
	Handles    *HandleTable
	Formats    *format.Registry
	Converters map[format.Family]convert.Converter
	Publisher  Publisher
	Logger     *slog.Logger
}

// Manager accepts conversion requests, runs them in the background and keeps
// the job registry current.
type Manager struct {
	cfg        *config.Config
	registry   *Registry
	handles    *HandleTable
	formats    *format.Registry
	converters map[format.Family]convert.Converter
	publisher  Publisher
	logger     *slog.Logger

	mu      sync.RWMutex
	baseCtx context.Context
	wg      sync.WaitGroup

	// locks serializes event publication per job while it runs.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	now   func() time.Time
	newID func() string
}

func NewManager(cfg *config.Config, deps Deps) (*Manager, error) {
	if deps.Formats == nil {
		return nil, errors.New("format registry is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Handles == nil {
		deps.Handles = NewHandleTable()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Manager{
		cfg:        cfg,
		registry:   deps.Registry,
		handles:    deps.Handles,
		formats:    deps.Formats,
		converters: deps.Converters,
		publisher:  deps.Publisher,
		logger:     deps.Logger,
		baseCtx:    context.Background(),
		locks:      make(map[string]*sync.Mutex),
		now:        time.Now,
		newID:      shortuuid.New,
	}, nil
}

// Start binds running conversions to ctx and launches the retention sweeper
// when JOB_RETENTION is set. Cancelling ctx aborts every running conversion.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	m.logger.Info("job manager started", "retention", m.cfg.JobRetention, "output_dir", m.cfg.OutputDir)
	if m.cfg.JobRetention > 0 {
		go m.cleanupLoop(ctx)
	}
}

// Wait blocks until every launched conversion has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Submit validates req, registers a processing job and starts the conversion
// in the background. The returned job is already in the registry.
func (m *Manager) Submit(req Request) (Job, error) {
	if req.FilePath == "" || req.OutputFormat == "" {
		return Job{}, &ValidationError{Message: "filePath and outputFormat are required"}
	}
	info, err := os.Stat(req.FilePath)
	if err != nil || info.IsDir() {
		return Job{}, fmt.Errorf("%w: %s", ErrSourceNotFound, req.FilePath)
	}

	input := format.FromPath(req.FilePath)
	output := format.Normalize(req.OutputFormat)
	if !m.formats.IsSupported(input, output) {
		supported := m.formats.SupportedOutputFormats(input)
		if supported == nil {
			supported = []string{}
		}
		return Job{}, &ValidationError{
			Message:          fmt.Sprintf("conversion from %s to %s is not supported", input, output),
			SupportedFormats: supported,
		}
	}
	family, _ := m.formats.FamilyOf(input)
	conv, ok := m.converters[family]
	if !ok {
		return Job{}, fmt.Errorf("no converter registered for %s files", family)
	}

	name := req.OriginalFilename
	if name == "" {
		name = info.Name()
	}
	j := Job{
		Status:           StatusProcessing,
		OriginalFilename: name,
		InputFormat:      input,
		OutputFormat:     output,
		CreatedAt:        m.now(),
		InputPath:        req.FilePath,
		Options:          req.Options,
	}
	if err := m.create(&j); err != nil {
		return Job{}, err
	}

	lock := &sync.Mutex{}
	m.lockMu.Lock()
	m.locks[j.ID] = lock
	m.lockMu.Unlock()

	m.mu.RLock()
	h := convert.NewHandle(m.baseCtx)
	m.mu.RUnlock()
	m.handles.Put(j.ID, h)
	if cur, err := m.registry.Get(j.ID); err == nil && cur.Status != StatusProcessing {
		// Cancelled before the handle was published.
		h.Kill()
		h.Release()
		m.handles.Remove(j.ID, h)
		m.dropLock(j.ID)
		m.logger.Info("job ended before launch", "job_id", j.ID, "status", cur.Status)
		return cur, nil
	}

	m.logger.Info("job submitted",
		"job_id", j.ID,
		"input_format", input,
		"output_format", output,
		"family", family,
	)
	m.wg.Add(1)
	go m.run(j, h, conv, lock)
	return j, nil
}

// jobLock returns the publication lock of a running job, or a fresh unshared
// one when the job is not running.
func (m *Manager) jobLock(id string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	if l, ok := m.locks[id]; ok {
		return l
	}
	return &sync.Mutex{}
}

func (m *Manager) dropLock(id string) {
	m.lockMu.Lock()
	delete(m.locks, id)
	m.lockMu.Unlock()
}

// create assigns a fresh id, retrying on the unlikely collision.
func (m *Manager) create(j *Job) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		j.ID = m.newID()
		if err = m.registry.Create(*j); !errors.Is(err, ErrDuplicateJob) {
			return err
		}
	}
	return err
}

func (m *Manager) run(j Job, h *convert.Handle, conv convert.Converter, lock *sync.Mutex) {
	defer m.wg.Done()
	defer h.Release()
	log := m.logger.With("job_id", j.ID)

	var out string
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("converter panicked", "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("internal converter error: %v", r)
			}
		}()
		out, err = conv.Convert(h.Context(), convert.Request{
			JobID:        j.ID,
			InputPath:    j.InputPath,
			InputFormat:  j.InputFormat,
			OutputFormat: j.OutputFormat,
			OutputDir:    m.cfg.OutputDir,
			Options:      j.Options,
			OnProgress:   m.progressFunc(j.ID, lock, log),
			Handle:       h,
		})
	}()

	m.handles.Remove(j.ID, h)
	m.finalize(j, out, err, h.Aborted(), lock, log)
	m.dropLock(j.ID)
}

// progressFunc returns the per-job progress callback. Calls are serialized
// with each other and with status events for the job, so published progress
// never goes backwards and never follows the terminal status.
func (m *Manager) progressFunc(id string, mu *sync.Mutex, log *slog.Logger) convert.ProgressFunc {
	sampler := logging.NewProgressSampler(25)
	return func(p int) {
		mu.Lock()
		defer mu.Unlock()
		updated, err := m.registry.Update(id, func(j *Job) error {
			if !j.SetProgress(p) {
				return errStale
			}
			return nil
		})
		if err != nil {
			return
		}
		if sampler.ShouldLog(updated.Progress) {
			log.Debug("job progress", "progress", updated.Progress)
		}
		m.publisher.Publish(progress.ProgressEvent(id, updated.Progress))
	}
}

var errStale = errors.New("stale progress")

// finalize records the outcome of a conversion. A failure on a handle that
// was killed is a cancellation.
func (m *Manager) finalize(j Job, out string, runErr error, aborted bool, lock *sync.Mutex, log *slog.Logger) {
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	var updated Job
	var err error

	switch {
	case runErr == nil:
		updated, err = m.registry.Update(j.ID, func(r *Job) error { return r.Complete(out, now) })
		if err != nil {
			log.Info("discarding output of job that already ended", "reason", err)
			m.removeFile(out, log)
		}
	case errors.Is(runErr, convert.ErrCancelled) || aborted:
		log.Info("conversion aborted", "reason", runErr)
		updated, err = m.registry.Update(j.ID, func(r *Job) error { return r.Cancel(now) })
	default:
		attrs := []any{"error", runErr}
		var cerr *convert.ConversionError
		if errors.As(runErr, &cerr) && cerr.Detail != "" {
			attrs = append(attrs, "detail", cerr.Detail)
		}
		log.Error("conversion failed", attrs...)
		updated, err = m.registry.Update(j.ID, func(r *Job) error { return r.Fail(runErr.Error(), now) })
	}

	if err == nil {
		log.Info("job finished", "status", updated.Status, "elapsed", now.Sub(j.CreatedAt))
		m.publisher.Publish(progress.StatusEvent(j.ID, string(updated.Status), updated.Progress))
	}
	m.removeFile(j.InputPath, log)
}

// Get returns a copy of the job.
func (m *Manager) Get(id string) (Job, bool) {
	j, err := m.registry.Get(id)
	return j, err == nil
}

// List returns every known job, oldest first.
func (m *Manager) List() []Job {
	return m.registry.List()
}

// Cancel moves a processing job to cancelled, kills its external processes
// and deletes its input file. It returns ErrJobNotFound for unknown ids and a
// *TerminalStateError when the job has already ended. The cancelled status is
// the last event published for the job.
func (m *Manager) Cancel(id string) (CancelResult, error) {
	lock := m.jobLock(id)
	lock.Lock()
	now := m.now()
	updated, err := m.registry.Update(id, func(j *Job) error { return j.Cancel(now) })
	if err == nil {
		m.publisher.Publish(progress.StatusEvent(id, string(StatusCancelled), updated.Progress))
	}
	lock.Unlock()
	if err != nil {
		return CancelResult{}, err
	}
	log := m.logger.With("job_id", id)
	res := CancelResult{Job: updated}

	if h := m.handles.Take(id); h != nil {
		found, kerr := h.Kill()
		res.ProcessFound = found
		res.ProcessKilled = found && kerr == nil
		if kerr != nil {
			log.Warn("failed to kill conversion process", "error", kerr)
		}
	}
	res.FileDeleted = m.removeFile(updated.InputPath, log)

	log.Info("job cancelled",
		"process_found", res.ProcessFound,
		"process_killed", res.ProcessKilled,
		"file_deleted", res.FileDeleted,
	)
	return res, nil
}

// removeFile deletes path and reports whether it is gone afterwards.
func (m *Manager) removeFile(path string, log *slog.Logger) bool {
	if path == "" {
		return false
	}
	err := os.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return true
	}
	log.Warn("failed to remove file", "path", path, "error", err)
	return false
}

// cleanupLoop periodically evicts finished jobs older than JOB_RETENTION
// together with their artifacts.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval(m.cfg.JobRetention))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("cleanup loop shutting down")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweepInterval checks four times per retention period, at most once a second.
func sweepInterval(retention time.Duration) time.Duration {
	return max(retention/4, time.Second)
}

func (m *Manager) sweep() {
	for _, j := range m.registry.Sweep(m.now().Add(-m.cfg.JobRetention)) {
		log := m.logger.With("job_id", j.ID)
		log.Debug("evicting expired job", "status", j.Status)
		if j.OutputPath != "" {
			m.removeFile(j.OutputPath, log)
		}
	}
}
