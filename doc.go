// Package storekit provides one data-access API over many storage backends:
// local disk, memory, object stores, SFTP servers, key-value stores and
// archives.
//
// An [Accessor] is the contract each backend implements. It declares what
// it can do through a [Capability] set. An [Operator] wraps an accessor,
// normalizes paths, refuses operations the backend does not support
// before any backend call is made, and exposes the convenience API.
//
// # Storage Backends
//
// Backends register themselves under a scheme when their package is
// imported:
//
//   - memory  (github.com/gobeaver/storekit/driver/memory)
//   - fs      (github.com/gobeaver/storekit/driver/local)
//   - s3      (github.com/gobeaver/storekit/driver/s3)
//   - minio   (github.com/gobeaver/storekit/driver/minio)
//   - gcs     (github.com/gobeaver/storekit/driver/gcs)
//   - azblob  (github.com/gobeaver/storekit/driver/azure)
//   - sftp    (github.com/gobeaver/storekit/driver/sftp)
//   - badger  (github.com/gobeaver/storekit/driver/badger)
//   - zip     (github.com/gobeaver/storekit/driver/zip)
//
// # Basic Usage
//
//	import _ "github.com/gobeaver/storekit/driver/local"
//
//	op, err := storekit.Open("fs", map[string]string{"root": "/srv/data"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx := context.Background()
//	err = op.Write(ctx, "hello.txt", []byte("Hello, World!"))
//	data, err := op.Read(ctx, "hello.txt")
//
//	for entry, err := range op.List(ctx, "reports/") {
//	    ...
//	}
//
// Paths are relative to the operator root. A trailing "/" denotes a
// directory. Paths containing ".." are rejected.
//
// # Capabilities
//
// Operations a backend cannot perform fail with an [Error] of kind
// [KindUnsupported] without touching the backend:
//
//	if op.Capability().PresignRead {
//	    req, err := op.PresignRead(ctx, "report.pdf", 15*time.Minute)
//	}
//
// # Layers
//
// Layers wrap an accessor with cross-cutting behavior. The last layer
// given is the outermost:
//
//	op := storekit.NewOperator(acc, []storekit.Layer{
//	    storekit.NewRetryLayer(),
//	    storekit.NewTimeoutLayer(),
//	    storekit.NewLoggingLayer(logger),
//	    storekit.NewMetricsLayer(prometheus.DefaultRegisterer),
//	})
//
// Retry only retries errors whose kind is transient or rate limited, and
// only for operations the capability set marks as safe to repeat.
//
// # Async and Blocking
//
// [Operator.Async] returns an [AsyncOperator] whose methods start the
// operation and return a [Future]. [Operator.Blocking] returns a
// [BlockingOperator] that runs operations under its own context and can
// be cancelled as a whole.
//
// # Errors
//
// Every error returned by an operator is an [*Error] carrying a kind:
//
//	_, err := op.Stat(ctx, "missing.txt")
//	if storekit.IsNotFound(err) {
//	    ...
//	}
//	if errors.Is(err, storekit.ErrNotFound) {
//	    ...
//	}
//
// # Configuration
//
// [New] builds an operator with its layer stack from a [Config] loaded from
// STOREKIT_ environment variables. [LoadProfiles] reads named backend
// profiles from a TOML, YAML or JSON file.
package storekit
