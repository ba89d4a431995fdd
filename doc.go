/*
Package alpmfetch is a resumable, multi-mirror file download engine for
package-manager caches.

alpmfetch provides the download primitives a package manager's fetch
phase needs:
  - Conditional GET and byte-range resume against a local cache
  - Ordered mirror failover within a single file's attempt loop
  - A bounded-parallel scheduler for fetching many files at once
  - Atomic publish via temp-file, rename, and directory fsync
  - An external-fetch escape hatch for environments that supply their
    own transport

The main packages are:

	github.com/alpmfetch/alpmfetch/internal/payload      - per-attempt state record and its transitions
	github.com/alpmfetch/alpmfetch/internal/urlutil      - URL/host/filename helpers
	github.com/alpmfetch/alpmfetch/internal/tempfile     - temp-file naming, truncate-for-retry, atomic publish
	github.com/alpmfetch/alpmfetch/internal/transport    - HTTP(S) client configuration and body streaming
	github.com/alpmfetch/alpmfetch/internal/dload        - single- and multi-transfer drivers, error taxonomy, events
	github.com/alpmfetch/alpmfetch/internal/engineconfig - TOML + environment configuration
	github.com/alpmfetch/alpmfetch/cmd/alpmfetch         - command-line interface
*/
package alpmfetch
