package kernel

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sovereign/kernel/pkg/capability"
	"github.com/sovereign/kernel/pkg/config"
	"github.com/sovereign/kernel/pkg/ledger"
	"github.com/sovereign/kernel/pkg/log"
	"github.com/sovereign/kernel/pkg/metrics"
	"github.com/sovereign/kernel/pkg/mux"
	"github.com/sovereign/kernel/pkg/raft"
	"github.com/sovereign/kernel/pkg/router"
	"github.com/sovereign/kernel/pkg/scheduler"
	"github.com/sovereign/kernel/pkg/session"
	"github.com/sovereign/kernel/pkg/supervisor"
	"github.com/sovereign/kernel/pkg/types"
	"github.com/sovereign/kernel/pkg/wire"
)

// Kernel is the assembled substrate node: the privileged process every
// daemon client connects to over cfg.Listen (spec §2/§6).
type Kernel struct {
	cfg    *config.Config
	logger zerolog.Logger

	capStore *capability.Store
	ledger   *ledger.Ledger
	router   *router.Router
	sched    *scheduler.Scheduler
	raftNode *raft.Node
	pool     *mux.RegionPool
	listener net.Listener
	cipher   *wire.Cipher

	supervisor *supervisor.Supervisor

	sessMu   sync.Mutex
	sessions map[string]*session.Session
}

// proposerRelay breaks the C5 (Router) / C8 (Raft) construction cycle:
// router.New needs a router.Proposer at construction time, but the
// concrete *raft.Node cannot exist until its FSM exists, and the FSM's
// Applier is the Router itself (spec §3's acyclic rule carves out exactly
// this back-edge: "C_i calls C_j only if j < i, with C8 depending on
// C4" — C5 and C8 depend on each other, resolved at the call-graph level
// by having each depend only on a consumer-defined interface). A relay
// satisfies Proposer from the moment the Router is built and is pointed
// at the real Node once Raft has been constructed.
type proposerRelay struct {
	mu   sync.RWMutex
	node *raft.Node
}

func (p *proposerRelay) Propose(header types.Header, payload []byte) (uint64, error) {
	p.mu.RLock()
	n := p.node
	p.mu.RUnlock()
	if n == nil {
		return 0, fmt.Errorf("%w: raft node not yet constructed", types.ErrInternal)
	}
	return n.Propose(header, payload)
}

func (p *proposerRelay) bind(n *raft.Node) {
	p.mu.Lock()
	p.node = n
	p.mu.Unlock()
}

// New constructs every component in the order C4 → C3 → C5 → C6 → C8 →
// C9 (the ledger first, since it is also the Raft log store), registers
// the supervised ones with a fresh Supervisor (C10), and
// opens the listen socket daemon clients connect to. It does not start
// anything yet; call Run.
func New(cfg *config.Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrProtocol, err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create data directory %s: %v", types.ErrInternal, cfg.DataDir, err)
	}

	logger := log.WithNodeID(cfg.NodeID)

	// C4: the ledger doubles as the Raft log/stable store, so it is
	// opened before anything that depends on durable storage. fsync_mode
	// (spec §6) decides whether bbolt fsyncs every commit or only on
	// Ledger's own periodic interval.
	led, err := ledger.Open(cfg.DataDir, cfg.FsyncMode == config.FsyncPeriodic, cfg.FsyncInterval, logger)
	if err != nil {
		return nil, err
	}

	// C3: the capability store signs every token the Bridge Sessions
	// this node accepts will mint.
	capStore, err := capability.New(cfg.TokenTTLMax)
	if err != nil {
		led.Close()
		return nil, err
	}

	// C5: built against the relay rather than a real *raft.Node (see
	// proposerRelay).
	relay := &proposerRelay{}
	r := router.New(capStore, relay, cfg.OutboundQueueDepth, cfg.StarvationThreshold)

	// C6: the cooperative scheduler; it has no goroutine of its own; a
	// schedulerBridge Component drives it from committed agent-lifecycle
	// events (see components.go).
	sched := scheduler.New(cfg.BoostThreshold)

	// C8: the Raft core. Its FSM forwards every committed entry to the
	// Router (the Applier side of the C5/C8 back-edge), then the relay
	// is bound to the real Node so Router.dispatch's replicated path has
	// somewhere to propose to.
	fsm := raft.NewFSM(r)
	peers, err := parsePeers(cfg.Peers)
	if err != nil {
		led.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrProtocol, err)
	}
	raftCfg := raft.DefaultConfig(cfg.NodeID, cfg.RaftBindAddr, cfg.DataDir)
	raftCfg.ElectionTimeout = cfg.ElectionMin
	raftCfg.HeartbeatTimeout = cfg.RaftHeartbeat
	node, err := raft.New(raftCfg, fsm, led)
	if err != nil {
		led.Close()
		return nil, err
	}
	if err := node.Bootstrap(peers); err != nil {
		led.Close()
		return nil, err
	}
	relay.bind(node)

	// C9: one shared region pool, sized from config, used for every
	// bridge session's bulk path.
	pool := mux.NewRegionPool(mux.DefaultRegionCount, int(cfg.ShmemRegionSize))

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		led.Close()
		return nil, fmt.Errorf("%w: listen on %s: %v", types.ErrInternal, cfg.Listen, err)
	}

	// Encryption is opt-in (spec §6's FlagEncrypted bit is otherwise never
	// set): an empty key leaves every session transport's cipher nil, and
	// Transport.Send/Receive never sets the flag, so a deployment that
	// never configures a key behaves exactly as before.
	var cph *wire.Cipher
	if cfg.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(cfg.EncryptionKeyHex)
		if err != nil {
			led.Close()
			return nil, fmt.Errorf("%w: decode encryption_key: %v", types.ErrProtocol, err)
		}
		cph, err = wire.NewCipher(key)
		if err != nil {
			led.Close()
			return nil, err
		}
	}

	k := &Kernel{
		cfg:      cfg,
		logger:   logger,
		capStore: capStore,
		ledger:   led,
		router:   r,
		sched:    sched,
		raftNode: node,
		pool:     pool,
		listener: listener,
		cipher:   cph,
		sessions: make(map[string]*session.Session),
	}

	k.supervisor = supervisor.New()
	// Startup order mirrors spec §4.10: C4 first (critical — its failure
	// halts the process rather than restarting), then C5, C6, C7/C9 (the
	// session acceptor), C8, and the metrics sampler last.
	k.supervisor.Add(&ledgerComponent{ledger: led, logger: logger}, true)
	k.supervisor.Add(&routerComponent{router: r}, false)
	k.supervisor.Add(&schedulerBridge{sched: sched, router: r, logger: logger}, false)
	k.supervisor.Add(&acceptorComponent{kernel: k, logger: logger}, false)
	k.supervisor.Add(&raftComponent{node: node, logger: logger}, false)
	k.supervisor.Add(&metricsComponent{collector: metrics.NewCollector(sched, r, k, 0)}, false)

	return k, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// critical component (the ledger) fails. It returns supervisor.ErrFatal
// wrapped around the cause in the latter case.
func (k *Kernel) Run(ctx context.Context) error {
	defer k.listener.Close()
	defer k.pool.Close()
	return k.supervisor.Run(ctx)
}

// BuildSnapshot returns the current health snapshot (spec §4.10), the same
// sample pkg/supervisor builds on demand rather than continuously.
func (k *Kernel) BuildSnapshot() supervisor.Snapshot {
	return supervisor.BuildSnapshot(k.sched, k.raftNode)
}

// parsePeers parses "node_id=raft_bind_addr" entries into the map
// raft.Node.Bootstrap expects.
func parsePeers(entries []string) (map[string]string, error) {
	peers := make(map[string]string, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid peer entry %q, want node_id=addr", e)
		}
		peers[parts[0]] = parts[1]
	}
	return peers, nil
}
