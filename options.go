package kvdbo

// Option configures a database at Open/Create time, following the same
// functional-options pattern the rest of this module's ancestry used for
// configuring disk-backed components.
type Option func(*options)

type options struct {
	compression     CompressionType
	fsyncEnabled    bool
	writeBufferSize int
	initialMaxcount uint64
}

// defaultOptions matches spec §6.3: fsync on, raw compression, and a
// disabled (0-byte) write buffer unless a caller opts in with
// WithWriteBufferSize.
func defaultOptions() options {
	return options{
		compression:     CompressionRaw,
		fsyncEnabled:    true,
		writeBufferSize: 0,
		initialMaxcount: DefaultInitialMaxcount,
	}
}

// WithCompression selects the value codec for a newly created database.
// It has no effect on an existing one: compression is fixed in the file
// header at creation time.
func WithCompression(c CompressionType) Option {
	return func(o *options) { o.compression = c }
}

// WithFsync controls whether commits call fsync on the main file and the
// journal. Disabling it trades crash durability for throughput.
func WithFsync(enabled bool) Option {
	return func(o *options) { o.fsyncEnabled = enabled }
}

// WithWriteBufferSize sets the capacity, in bytes, of the in-memory
// staging buffer for newly appended blocks and tables. 0 disables
// buffering, writing every append directly.
func WithWriteBufferSize(n int) Option {
	return func(o *options) { o.writeBufferSize = n }
}

// WithInitialMaxcount overrides the bucket count of the first table of a
// newly created database, rounded up to the next prime.
func WithInitialMaxcount(n uint64) Option {
	return func(o *options) { o.initialMaxcount = nextPrime(n) }
}
