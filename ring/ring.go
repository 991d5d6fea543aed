package ring

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/dns"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/kv"
	"github.com/grafana/dskit/kv/codec"
	"github.com/grafana/dskit/kv/memberlist"
	"github.com/grafana/dskit/ring"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// ringKey is the key under which we store the siteforge ring in the KVStore.
	ringKey = "siteforge"

	// ringNumTokens is how many tokens each instance should have in the
	// ring. siteforge uses tokens to establish a ring leader, therefore
	// only one token is needed.
	ringNumTokens = 1

	// ringAutoForgetUnhealthyPeriods is how many consecutive timeout periods an
	// unhealthy instance in the ring will be automatically removed after.
	ringAutoForgetUnhealthyPeriods = 3

	heartbeatPeriod  = 15 * time.Second
	heartbeatTimeout = 30 * time.Second

	// leaderToken is the special token that makes the owner the ring leader.
	leaderToken = 0
)

// ringOp is used as an instance state filter when obtaining instances from the
// ring. Instances in the LEAVING state are included to help minimise the number
// of leader changes during rollout and scaling operations.
var ringOp = ring.NewOp([]ring.InstanceState{ring.ACTIVE, ring.LEAVING}, nil)

// ProvisionerRing is the provisioning engine's state lock: replicas gossip
// workflow state through the memberlist kv store and only the ring leader
// applies workflows.
type ProvisionerRing struct {
	Client        *ring.Ring
	Lifecycler    *ring.BasicLifecycler
	Memberlistsvc *memberlist.KVInitService
	KvStore       *memberlist.KV
	JSONClient    *memberlist.Client
}

// New builds the memberlist kv store, joins the ring and starts the
// lifecycler and ring services.
func New(instanceID, instanceAddr, joinMembers, instanceInterfaceNames string, instancePort int, logger log.Logger) (ProvisionerRing, error) {
	var config ProvisionerRing
	ctx := context.Background()

	joinMembersSlice := make([]string, 0)
	if joinMembers != "" {
		joinMembersSlice = strings.Split(joinMembers, ",")
	}

	instanceInterfaceNamesSlice := make([]string, 0)
	if instanceInterfaceNames != "" {
		instanceInterfaceNamesSlice = strings.Split(instanceInterfaceNames, ",")
	}

	if instanceID == "" {
		var err error
		instanceID, err = os.Hostname()
		if err != nil {
			_ = level.Error(logger).Log("msg", "failed to get hostname", "err", err)
			os.Exit(1)
		}
	}

	reg := prometheus.DefaultRegisterer
	reg = prometheus.WrapRegistererWithPrefix("siteforge_", reg)

	memberlistsvc := SimpleMemberlistKV(instanceID, instanceAddr, instancePort, joinMembersSlice, logger, reg)
	if err := services.StartAndAwaitRunning(ctx, memberlistsvc); err != nil {
		return config, err
	}

	store, err := memberlistsvc.GetMemberlistKV()
	if err != nil {
		return config, err
	}

	ringClient, err := memberlist.NewClient(store, ring.GetCodec())
	if err != nil {
		return config, err
	}

	jsonClient, err := memberlist.NewClient(store, JSONCodec)
	if err != nil {
		return config, err
	}

	lfc, err := SimpleRingLifecycler(ringClient, instanceID, instanceAddr, instancePort, instanceInterfaceNamesSlice, logger, reg)
	if err != nil {
		return config, err
	}

	// start lifecycler service
	if err := services.StartAndAwaitRunning(ctx, lfc); err != nil {
		return config, err
	}

	ringsvc, err := SimpleRing(ringClient, logger, reg)
	if err != nil {
		return config, err
	}
	// start the ring service
	if err := services.StartAndAwaitRunning(ctx, ringsvc); err != nil {
		return config, err
	}

	return ProvisionerRing{
		Client:        ringsvc,
		Lifecycler:    lfc,
		Memberlistsvc: memberlistsvc,
		KvStore:       store,
		JSONClient:    jsonClient,
	}, nil
}

// SimpleMemberlistKV returns a memberlist KV as a service. Starting and
// stopping the service is up to the caller.
func SimpleMemberlistKV(instanceID, instanceAddr string, instancePort int, joinMembers []string, logger log.Logger, reg prometheus.Registerer) *memberlist.KVInitService {
	var config memberlist.KVConfig
	flagext.DefaultValues(&config)

	// These defaults perform better but may cause long-running packets to be
	// dropped in high-latency networks.
	config.TCPTransport.PacketDialTimeout = 500 * time.Millisecond
	config.TCPTransport.PacketWriteTimeout = 500 * time.Millisecond

	// Codecs is used to tell the memberlist library how to serialize
	// messages between peers. Workflow state travels as JSON.
	config.Codecs = []codec.Codec{ring.GetCodec(), JSONCodec}

	// TCPTransport defines what addr and port this particular peer should
	// listen for.
	config.TCPTransport.BindPort = instancePort
	if instanceAddr != "" {
		config.TCPTransport.BindAddrs = []string{instanceAddr}
	} else {
		config.TCPTransport.BindAddrs = []string{"127.0.0.1"}
	}

	// joinMembers are the addresses of peers who are already in the
	// memberlist group.
	if len(joinMembers) > 0 {
		config.JoinMembers = joinMembers
		config.MinJoinBackoff = 1 * time.Second
		config.MaxJoinBackoff = 1 * time.Minute
		config.MaxJoinRetries = 10
	}

	// resolver defines how each peer's IP address should be resolved.
	resolver := dns.NewProvider(log.With(logger, "component", "dns"), reg, dns.GolangResolverType)

	config.NodeName = instanceID
	config.StreamTimeout = 10 * time.Second
	config.GossipToTheDeadTime = 30 * time.Second

	return memberlist.NewKVInitService(
		&config,
		log.With(logger, "component", "memberlist"),
		resolver,
		reg,
	)
}

// SimpleRing returns an instance of `ring.Ring` as a service. Starting and
// stopping the service is up to the caller.
func SimpleRing(store kv.Client, logger log.Logger, reg prometheus.Registerer) (*ring.Ring, error) {
	var config ring.Config
	flagext.DefaultValues(&config)
	config.ReplicationFactor = 1
	config.SubringCacheDisabled = true

	return ring.NewWithStoreClientAndStrategy(
		config,
		ringKey,           // ring name
		"collectors/ring", // prefix key where peers are stored
		store,
		ring.NewDefaultReplicationStrategy(),
		reg,
		log.With(logger, "component", "ring"),
	)
}

// SimpleRingLifecycler returns an instance lifecycler for the ring.
func SimpleRingLifecycler(store kv.Client, instanceID, instanceAddr string, instancePort int, instanceInterfaceNames []string, logger log.Logger, reg prometheus.Registerer) (*ring.BasicLifecycler, error) {
	var config ring.BasicLifecyclerConfig
	addr, err := ring.GetInstanceAddr(instanceAddr, instanceInterfaceNames, logger, false)
	if err != nil {
		return nil, err
	}

	config.ID = instanceID
	config.Addr = fmt.Sprintf("%s:%d", addr, instancePort)
	config.HeartbeatPeriod = heartbeatPeriod
	config.HeartbeatTimeout = heartbeatTimeout
	config.TokensObservePeriod = 0
	config.NumTokens = ringNumTokens
	config.KeepInstanceInTheRingOnShutdown = true

	var delegate ring.BasicLifecyclerDelegate

	delegate = ring.NewInstanceRegisterDelegate(ring.ACTIVE, config.NumTokens)
	delegate = ring.NewLeaveOnStoppingDelegate(delegate, logger)
	delegate = ring.NewAutoForgetDelegate(ringAutoForgetUnhealthyPeriods*config.HeartbeatPeriod, delegate, logger)

	return ring.NewBasicLifecycler(
		config,
		ringKey,
		"collectors/ring",
		store,
		delegate,
		log.With(logger, "component", "lifecycler"),
		reg,
	)
}

// IsLeader checks whether this instance is the leader replica
func IsLeader(pRing ProvisionerRing) (bool, error) {
	// Get the leader from the ring and check whether it's this replica.
	rl, err := ringLeader(pRing.Client)
	if err != nil {
		return false, err
	}

	return rl.Addr == pRing.Lifecycler.GetInstanceAddr(), nil
}

// ringLeader returns the ring member that owns the special token.
func ringLeader(r ring.ReadRing) (*ring.InstanceDesc, error) {
	rs, err := r.Get(leaderToken, ringOp, nil, nil, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get a healthy instance for token %d", leaderToken)
	}
	if len(rs.Instances) != 1 {
		return nil, fmt.Errorf("got %d instances for token %d (but expected 1)", len(rs.Instances), leaderToken)
	}

	return &rs.Instances[0], nil
}

func GetLeader(pRing ProvisionerRing) (string, error) {
	rl, err := ringLeader(pRing.Client)
	if err != nil {
		return "", err
	}
	return rl.Id, nil
}

func GetLeaderIP(pRing ProvisionerRing) (string, error) {
	rl, err := ringLeader(pRing.Client)
	if err != nil {
		return "", err
	}
	return strings.Split(rl.Addr, ":")[0], nil
}
