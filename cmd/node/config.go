package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
)

// envPrefix prefixes every environment variable read by the daemon.
const envPrefix = "E3KERNEL"

// config is the daemon configuration, read from flags and E3KERNEL_* variables.
type config struct {
	Node struct {
		DataDir    string `conf:"default:./data"`
		KeyPath    string `conf:"default:./data/feed.key,help:ed25519 feed identity (generated if missing)"`
		LogLevel   string `conf:"default:info"`
		SyncWrites bool   `conf:"default:false"`
	}
	Ledger struct {
		Owner     string   `conf:"help:hex address of the protocol owner"`
		Treasury  string   `conf:"help:hex address receiving protocol shares"`
		Proposers []string `conf:"help:hex addresses allowed to propose slashes without proof"`
	}
	HTTP struct {
		Addr string `conf:"default:0.0.0.0:8080"`
	}
	Feed struct {
		Addr   string `conf:"default:0.0.0.0:9400"`
		Buffer int    `conf:"default:1024"`
	}
	Metrics struct {
		Namespace string `conf:"default:e3kernel"`
	}
	Watchdog struct {
		Enabled  bool          `conf:"default:true"`
		Interval time.Duration `conf:"default:5s"`
	}
	Verifiers struct {
		ModulesDir string   `conf:"default:./modules,help:directory of verify WASM modules named after their verifier"`
		GasLimit   uint64   `conf:"default:10000000"`
		Programs   []string `conf:"help:program=verifier bindings enabled at startup"`
		Schemes    []string `conf:"help:scheme=verifier bindings enabled at startup"`
	}
	Protocol struct {
		TicketPrice         uint64        `conf:"default:10"`
		LicenseRequiredBond uint64        `conf:"default:1000"`
		LicenseActiveBps    uint64        `conf:"default:8000"`
		MinTicketBalance    uint64        `conf:"default:50"`
		ExitDelay           time.Duration `conf:"default:168h"`
		SubmissionWindow    time.Duration `conf:"default:10m"`
		MaxCommitteeSize    uint64        `conf:"default:64"`
		BaseFee             uint64        `conf:"default:100"`
		PerNodeFee          uint64        `conf:"default:100"`

		CommitteeFormationWindow time.Duration `conf:"default:1h"`
		DKGWindow                time.Duration `conf:"default:1h"`
		ComputeWindow            time.Duration `conf:"default:1h"`
		DecryptionWindow         time.Duration `conf:"default:1h"`
		Grace                    time.Duration `conf:"default:0s,help:grace added to every stage deadline"`

		CommitteeFormationBps uint64 `conf:"default:1000"`
		DKGBps                uint64 `conf:"default:3000"`
		DecryptionBps         uint64 `conf:"default:5500"`
		ProtocolBps           uint64 `conf:"default:500"`
	}
}

// values converts the protocol section to kernel parameters.
func (c *config) values() params.Values {
	p := c.Protocol

	return params.Values{
		TicketPrice:         p.TicketPrice,
		LicenseRequiredBond: p.LicenseRequiredBond,
		LicenseActiveBps:    p.LicenseActiveBps,
		MinTicketBalance:    p.MinTicketBalance,
		ExitDelay:           p.ExitDelay,
		SubmissionWindow:    p.SubmissionWindow,
		MaxCommitteeSize:    p.MaxCommitteeSize,
		BaseFee:             p.BaseFee,
		PerNodeFee:          p.PerNodeFee,
		Timeouts: params.Timeouts{
			CommitteeFormationWindow: p.CommitteeFormationWindow,
			DKGWindow:                p.DKGWindow,
			ComputeWindow:            p.ComputeWindow,
			DecryptionWindow:         p.DecryptionWindow,
			CommitteeFormationGrace:  p.Grace,
			DKGGrace:                 p.Grace,
			ActivationGrace:          p.Grace,
			ComputeGrace:             p.Grace,
			DecryptionGrace:          p.Grace,
		},
		Work: params.WorkAllocation{
			CommitteeFormationBps: p.CommitteeFormationBps,
			DKGBps:                p.DKGBps,
			DecryptionBps:         p.DecryptionBps,
			ProtocolBps:           p.ProtocolBps,
		},
	}
}

// roles parses the owner, treasury and proposer addresses.
func (c *config) roles() (owner, treasury protocol.Address, proposers []protocol.Address, err error) {
	if owner, err = protocol.ParseAddress(c.Ledger.Owner); err != nil {
		return owner, treasury, nil, fmt.Errorf("owner:\n%w", err)
	}

	if treasury, err = protocol.ParseAddress(c.Ledger.Treasury); err != nil {
		return owner, treasury, nil, fmt.Errorf("treasury:\n%w", err)
	}

	for _, s := range c.Ledger.Proposers {
		a, err := protocol.ParseAddress(s)
		if err != nil {
			return owner, treasury, nil, fmt.Errorf("proposer %q:\n%w", s, err)
		}

		proposers = append(proposers, a)
	}

	return owner, treasury, proposers, nil
}

// binding enables a program or scheme with a named verifier.
type binding struct {
	Name     string
	Verifier string
}

// parseBindings parses name=verifier pairs.
func parseBindings(specs []string) ([]binding, error) {
	out := make([]binding, 0, len(specs))

	for _, s := range specs {
		name, verifierName, ok := strings.Cut(strings.TrimSpace(s), "=")
		if !ok || name == "" || verifierName == "" {
			return nil, fmt.Errorf("binding %q: want name=verifier", s)
		}

		out = append(out, binding{Name: name, Verifier: verifierName})
	}

	return out, nil
}

// loadOrGenerateKey loads the feed identity key from file or generates and saves a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create key directory:\n%w", err)
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
