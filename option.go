package lumen

// Options configures the storage backend and buffer pool.
type Options struct {
	// DatabasePath is the filesystem path of the single data file.
	DatabasePath string

	// WALPath names a write-ahead log file. No log is written or
	// replayed; the file header carries a WAL sequence field, not this
	// path.
	WALPath string

	// PoolFrames is the buffer pool size in frames.
	PoolFrames int

	// CreateIfMissing creates the database file when it does not exist.
	CreateIfMissing bool

	// ErrorIfExists fails Open when the file already exists.
	ErrorIfExists bool

	// SyncOnCommit fsyncs after every page write. When false, data is
	// synced only at close.
	SyncOnCommit bool

	// InitialSizeMB pre-allocates the file at creation.
	InitialSizeMB int

	// Eviction selects the buffer pool eviction policy.
	Eviction EvictionKind

	// Logger receives engine lifecycle events. Defaults to a no-op.
	Logger Logger
}

// DefaultOptions returns safe default configuration for path.
func DefaultOptions(path string) Options {
	return Options{
		DatabasePath:    path,
		WALPath:         path + ".wal",
		PoolFrames:      256,
		CreateIfMissing: true,
		ErrorIfExists:   false,
		SyncOnCommit:    false,
		InitialSizeMB:   1,
		Eviction:        EvictClock,
		Logger:          DiscardLogger{},
	}
}

// Option configures database options using the functional options pattern.
type Option func(*Options)

// WithPoolFrames sets the buffer pool size in frames.
func WithPoolFrames(n int) Option {
	return func(opts *Options) {
		opts.PoolFrames = n
	}
}

// WithEviction selects the buffer pool eviction policy.
func WithEviction(kind EvictionKind) Option {
	return func(opts *Options) {
		opts.Eviction = kind
	}
}

// WithSyncOnCommit configures the backend to fsync after every page write.
// This provides maximum durability but lower throughput.
func WithSyncOnCommit() Option {
	return func(opts *Options) {
		opts.SyncOnCommit = true
	}
}

// WithErrorIfExists fails Open when the database file already exists.
func WithErrorIfExists() Option {
	return func(opts *Options) {
		opts.ErrorIfExists = true
	}
}

// WithoutCreate fails Open when the database file does not exist, instead
// of creating it.
func WithoutCreate() Option {
	return func(opts *Options) {
		opts.CreateIfMissing = false
	}
}

// WithInitialSizeMB pre-allocates the file at creation.
func WithInitialSizeMB(mb int) Option {
	return func(opts *Options) {
		opts.InitialSizeMB = mb
	}
}

// WithWALPath sets the reserved write-ahead log path.
func WithWALPath(path string) Option {
	return func(opts *Options) {
		opts.WALPath = path
	}
}

// WithLogger installs a logger for engine lifecycle events.
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.Logger = l
	}
}
