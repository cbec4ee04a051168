package anchorcfg

import (
	"errors"
	"time"
)

const (
	// DefaultEsploraRequestTimeout is the default timeout for HTTP
	// requests to the Esplora API.
	DefaultEsploraRequestTimeout = 30 * time.Second

	// DefaultEsploraMaxRetries is the default number of times to retry
	// a failed request before giving up.
	DefaultEsploraMaxRetries = 3

	// DefaultEsploraRequestsPerSecond keeps the daemon below the rate
	// limits of public instances.
	DefaultEsploraRequestsPerSecond = 5
)

// Esplora holds the configuration options for the daemon's connection to
// an Esplora HTTP API server (e.g., mempool.space, blockstream.info, or
// a local electrs/mempool instance).
//
//nolint:lll
type Esplora struct {
	// URL is the base URL of the Esplora API to connect to.
	// Examples:
	//   - http://localhost:3002 (local electrs/mempool)
	//   - https://blockstream.info/api (Blockstream mainnet)
	//   - https://mempool.space/testnet/api (mempool.space testnet)
	URL string `long:"url" description:"The base URL of the Esplora API (e.g., http://localhost:3002)"`

	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout for HTTP requests to the Esplora API."`

	MaxRetries int `long:"maxretries" description:"Maximum number of times to retry a failed request."`

	RequestsPerSecond float64 `long:"requestspersecond" description:"Upper bound on the request rate. Zero disables the limit."`
}

// DefaultEsplora returns a new Esplora config with default values
// populated.
func DefaultEsplora() *Esplora {
	return &Esplora{
		RequestTimeout:    DefaultEsploraRequestTimeout,
		MaxRetries:        DefaultEsploraMaxRetries,
		RequestsPerSecond: DefaultEsploraRequestsPerSecond,
	}
}

// Validate checks the Esplora options.
func (e *Esplora) Validate() error {
	switch {
	case e.URL == "":
		return errors.New("esplora.url must be set")

	case e.MaxRetries < 0:
		return errors.New("esplora.maxretries must not be negative")

	case e.RequestsPerSecond < 0:
		return errors.New("esplora.requestspersecond must not be " +
			"negative")
	}

	return nil
}
