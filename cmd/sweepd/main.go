package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"timelyresource.dev/engine/internal/engine"
	"timelyresource.dev/engine/internal/store"
	"timelyresource.dev/engine/internal/timely"
)

func fatalf(code int, format string, a ...interface{}) {
	w := os.Stderr
	if _, err := fmt.Fprintf(w, format, a...); err == nil {
		fmt.Fprintln(w)
	}
	os.Exit(code)
}

var (
	serverAddress      net.IP
	serverPort         string
	tlsCertificateFile string
	tlsPrivateKeyFile  string
	sweepInterval      time.Duration
	writeWriteWait     time.Duration
	heartbeatInterval  time.Duration
	logLevel           string
)

func init() {
	flag.IPVar(&serverAddress, "server-address", nil,
		`IP address on which to serve HTTP requests`)
	flag.StringVar(&serverPort, "server-port", "",
		`Port on which to serve HTTP requests`)
	flag.StringVar(&tlsCertificateFile, "tls-cert-file", "",
		`File containing the X.509 certificates with which to serve HTTPS,
containing certificates for this server, any intermediate CAs, and the CA`)
	flag.StringVar(&tlsPrivateKeyFile, "tls-private-key-file", "",
		`File containing the X.509 private key for the first X.509 certificate
in --tls-cert-file`)
	flag.DurationVar(&sweepInterval, "sweep-interval", 30*time.Second,
		`Interval on which to prune obsolete versions from every registered resource`)
	flag.DurationVar(&writeWriteWait, "ww-wait", timely.DefaultMaxWaitTime,
		`Bound on how long a write waits on a conflicting concurrent transaction
before rolling back`)
	flag.DurationVar(&heartbeatInterval, "heartbeat-interval", 0,
		`Interval on which to write and delete a throwaway record, exercising the
engine even with no client traffic; zero disables the heartbeat`)
	flag.StringVar(&logLevel, "log-level", "info",
		`Logging level: one of panic, fatal, error, warn, info, debug, trace`)
}

type tlsConfig struct {
	certificateFilePath string
	privateKeyFilePath  string
}

func joinIPAddressAndPort(address net.IP, port string) string {
	var host string
	var empty net.IP
	if !address.Equal(empty) {
		host = address.String()
	}
	return net.JoinHostPort(host, port)
}

func runHTTPServer(address net.IP, port string, tlsConf *tlsConfig, handler http.Handler, log *logrus.Entry, stop <-chan struct{}) error {
	server := &http.Server{
		Addr:    joinIPAddressAndPort(address, port),
		Handler: handler,
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-stop
		// Don't bother imposing a timeout here.
		if err := server.Shutdown(context.Background()); err != nil {
			log.WithError(err).Error("failed to shut down HTTP server")
		}
	}()
	var err error
	if tlsConf != nil {
		err = server.ListenAndServeTLS(tlsConf.certificateFilePath, tlsConf.privateKeyFilePath)
	} else {
		err = server.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		return err
	}
	wg.Wait()
	return nil
}

// runHeartbeat periodically inserts then deletes a uniquely named record,
// giving the sweeper obsolete versions to reclaim even on an otherwise idle
// store.
func runHeartbeat(ctx context.Context, s *store.ShardedStore, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key := store.Key("heartbeat/" + uuid.NewString())
			err := s.WithinTransaction(ctx, func(ctx context.Context, tx store.Transaction) (bool, error) {
				if err := tx.Insert(ctx, key, store.Value("alive")); err != nil {
					return false, err
				}
				_, err := tx.Delete(ctx, key)
				return err == nil, err
			})
			if err != nil {
				log.WithError(err).Warn("heartbeat transaction failed")
			}
		}
	}
}

func main() {
	flag.Parse()

	log := logrus.New()
	if level, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(level)
	}
	entry := logrus.NewEntry(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var serverTLSConfig *tlsConfig
	if len(tlsCertificateFile) > 0 {
		if len(tlsPrivateKeyFile) == 0 {
			fatalf(2, "--tls-private-key-file must be nonempty when --tls-cert-file is specified")
		}
		serverTLSConfig = &tlsConfig{
			certificateFilePath: tlsCertificateFile,
			privateKeyFilePath:  tlsPrivateKeyFile,
		}
	} else if len(tlsPrivateKeyFile) > 0 {
		fatalf(2, "--tls-cert-file must be nonempty when --tls-private-key-file is specified")
	}

	if len(serverPort) == 0 {
		if serverTLSConfig != nil {
			serverPort = "443"
		} else {
			serverPort = "80"
		}
	}

	core := engine.NewCore(entry, engine.WithWaitWriteWriteBound(writeWriteWait))
	s, err := store.MakeShardedStore(core, entry)
	if err != nil {
		fatalf(1, "Failed to create store: %v", err)
	}

	go core.RunSweeper(ctx, sweepInterval)
	if heartbeatInterval > 0 {
		go runHeartbeat(ctx, s, heartbeatInterval, entry)
	}

	handler := makeHandler(s, core)
	if err := runHTTPServer(serverAddress, serverPort, serverTLSConfig, handler, entry, ctx.Done()); err != nil {
		fatalf(1, "HTTP server failed: %v", err)
	}
}
