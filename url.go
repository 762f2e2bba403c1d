package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseURL builds a ClientConfig from a connection URL:
//
//	(redis|rediss|unix)://[user[:password]@](host[:port]|/path)[/db][?opt=val&…]
//
// The rediss scheme enables TLS with a default configuration; the
// ssl_* options refine it. A path segment after the host selects the
// database, overridden by the db query option. A URL that carries a
// password — even an empty one — authenticates; one without a
// password section does not, and the two are kept distinct.
func ParseURL(rawurl string) (ClientConfig, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("redis: parse URL: %w", err)
	}

	var cfg ClientConfig
	var useTLS bool
	switch u.Scheme {
	case "redis":
	case "rediss":
		useTLS = true
	case "unix":
		if u.Path == "" {
			return ClientConfig{}, fmt.Errorf("redis: unix URL %q has no socket path", rawurl)
		}
		cfg.Addr = u.Path
	default:
		return ClientConfig{}, fmt.Errorf("redis: unsupported URL scheme %q", u.Scheme)
	}

	if u.User != nil {
		cfg.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			// An explicit empty password still authenticates.
			cfg.Password = &pw
		}
	}

	if u.Scheme != "unix" {
		host := u.Hostname()
		if host == "" {
			host = "localhost"
		}
		port := u.Port()
		if port == "" {
			port = "6379"
		}
		cfg.Addr = host + ":" + port

		if p := strings.Trim(u.Path, "/"); p != "" {
			db, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return ClientConfig{}, fmt.Errorf("redis: URL database %q is not a number", p)
			}
			cfg.DB = db
		}
	}

	q := u.Query()
	sslOpts := tlsOptions{}
	for name, vals := range q {
		val := vals[len(vals)-1]
		switch name {
		case "db":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return ClientConfig{}, fmt.Errorf("redis: URL option db=%q: %w", val, err)
			}
			cfg.DB = n
		case "stream_timeout":
			d, err := parseSeconds(val)
			if err != nil {
				return ClientConfig{}, fmt.Errorf("redis: URL option stream_timeout=%q: %w", val, err)
			}
			cfg.ReadTimeout = d
			cfg.WriteTimeout = d
		case "connect_timeout":
			d, err := parseSeconds(val)
			if err != nil {
				return ClientConfig{}, fmt.Errorf("redis: URL option connect_timeout=%q: %w", val, err)
			}
			cfg.DialTimeout = d
		case "max_connections":
			n, err := strconv.Atoi(val)
			if err != nil {
				return ClientConfig{}, fmt.Errorf("redis: URL option max_connections=%q: %w", val, err)
			}
			cfg.MaxConnections = n
		case "max_idle_time":
			d, err := parseSeconds(val)
			if err != nil {
				return ClientConfig{}, fmt.Errorf("redis: URL option max_idle_time=%q: %w", val, err)
			}
			cfg.MaxIdleTime = d
		case "idle_check_interval":
			d, err := parseSeconds(val)
			if err != nil {
				return ClientConfig{}, fmt.Errorf("redis: URL option idle_check_interval=%q: %w", val, err)
			}
			cfg.CheckInterval = d
		case "reader_read_size":
			n, err := strconv.Atoi(val)
			if err != nil {
				return ClientConfig{}, fmt.Errorf("redis: URL option reader_read_size=%q: %w", val, err)
			}
			cfg.ReaderReadSize = n
		case "ssl_cert_reqs":
			sslOpts.certReqs = val
			useTLS = true
		case "ssl_keyfile":
			sslOpts.keyFile = val
			useTLS = true
		case "ssl_certfile":
			sslOpts.certFile = val
			useTLS = true
		case "ssl_ca_certs":
			sslOpts.caFile = val
			useTLS = true
		default:
			// Unrecognized options pass through silently, so URLs
			// written for richer clients keep working here.
		}
	}

	if useTLS {
		tc, err := sslOpts.config(u.Hostname())
		if err != nil {
			return ClientConfig{}, err
		}
		cfg.TLSConfig = tc
	}
	return cfg, nil
}

// parseSeconds reads a duration expressed as a decimal second count,
// fractions allowed, as the URL grammar specifies.
func parseSeconds(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return time.Duration(f * float64(time.Second)), nil
}

type tlsOptions struct {
	certReqs string // none, optional, required
	keyFile  string
	certFile string
	caFile   string
}

func (o tlsOptions) config(serverName string) (*tls.Config, error) {
	tc := &tls.Config{ServerName: serverName}

	switch o.certReqs {
	case "", "required":
	case "none", "optional":
		tc.InsecureSkipVerify = true
	default:
		return nil, fmt.Errorf("redis: URL option ssl_cert_reqs=%q not recognized", o.certReqs)
	}

	if o.certFile != "" || o.keyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.certFile, o.keyFile)
		if err != nil {
			return nil, fmt.Errorf("redis: load TLS key pair: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	if o.caFile != "" {
		pem, err := os.ReadFile(o.caFile)
		if err != nil {
			return nil, fmt.Errorf("redis: load TLS CA bundle: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis: no certificates in CA bundle %s", o.caFile)
		}
		tc.RootCAs = roots
	}
	return tc, nil
}
