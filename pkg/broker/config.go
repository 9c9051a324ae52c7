package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Config holds the connection-level Kafka settings shared by the journal and
// the fan-out sinks. Producer policy (acks, write timeout) is set by each
// component on top of the base sarama config.
type Config struct {
	Brokers     []string      `mapstructure:"brokers"`
	Version     string        `mapstructure:"version"`
	ClientID    string        `mapstructure:"clientID"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
	SASL        *SASL         `mapstructure:"sasl"`
	TLS         TLS           `mapstructure:"tls"`
}

// SASL holds SASL authentication settings.
type SASL struct {
	Enable    bool   `mapstructure:"enable"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Algorithm string `mapstructure:"algorithm"`
}

// TLS holds TLS settings for broker connections.
type TLS struct {
	Enable     bool   `mapstructure:"enable"`
	CertFile   string `mapstructure:"certFile"`
	KeyFile    string `mapstructure:"keyFile"`
	CAFile     string `mapstructure:"caFile"`
	SkipVerify bool   `mapstructure:"skipVerify"`
}

// DefaultConfig returns a Config with local-development defaults.
func DefaultConfig() *Config {
	return &Config{
		Brokers:     []string{"localhost:9092"},
		Version:     "3.6.0",
		DialTimeout: 10 * time.Second,
	}
}

// ToSaramaConfig converts the Config to a base sarama.Config. The returned
// config has synchronous-producer acknowledgments enabled; callers adjust
// acks, timeouts and partitioning for their own use.
func (c *Config) ToSaramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("error parsing Kafka version: %w", err)
	}
	conf.Version = version

	conf.ClientID = c.ClientID
	if conf.ClientID == "" {
		conf.ClientID = "kjournal-" + uuid.NewString()[:8]
	}
	if c.DialTimeout > 0 {
		conf.Net.DialTimeout = c.DialTimeout
	}

	if c.SASL != nil && c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch c.SASL.Algorithm {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "plain":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	if c.TLS.Enable {
		tlsConfig, err := createTLSConfiguration(c.TLS)
		if err != nil {
			return nil, err
		}
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConfig
	}

	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Return.Successes = true
	conf.Consumer.Return.Errors = true
	// Per-entity topics keep cluster metadata large; fetch per topic on demand.
	conf.Metadata.Full = false

	return conf, nil
}

func createTLSConfiguration(tlsCfg TLS) (*tls.Config, error) {
	t := &tls.Config{
		InsecureSkipVerify: tlsCfg.SkipVerify,
	}

	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" && tlsCfg.CAFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}

		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}

		caCertPool := x509.NewCertPool()
		caCertPool.AppendCertsFromPEM(caCert)

		t.Certificates = []tls.Certificate{cert}
		t.RootCAs = caCertPool
	}

	return t, nil
}

// ParseRequiredAcks maps an acknowledgment level name onto the sarama
// constant. "all" waits for the full in-sync replica set, "local" for the
// leader only, "none" sends fire-and-forget.
func ParseRequiredAcks(s string) (sarama.RequiredAcks, error) {
	switch s {
	case "all", "":
		return sarama.WaitForAll, nil
	case "local":
		return sarama.WaitForLocal, nil
	case "none":
		return sarama.NoResponse, nil
	default:
		return 0, fmt.Errorf("invalid acks level: %q", s)
	}
}
