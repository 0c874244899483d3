// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package announcer

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	apipb "github.com/osrg/gobgp/v3/api"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/prefixd/prefixd/internal/errors"
	"github.com/prefixd/prefixd/internal/logging"
	"github.com/prefixd/prefixd/internal/mitigation"
	"github.com/prefixd/prefixd/internal/scope"
)

// retryDelays is the fixed backoff schedule for failed RPCs (spec §4.5):
// one initial attempt plus up to three retries, waiting 100ms, 200ms and
// 400ms before them.
var retryDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// defaultMaxRPS caps outbound RPCs to the speaker when Config.MaxRPS is
// left at zero.
const defaultMaxRPS = 50

// Config configures the gRPC connection to the local BGP speaker.
type Config struct {
	Address               string
	ConnectTimeoutSeconds int
	RequestTimeoutSeconds int
	Insecure              bool
	TLSCertFile           string
	TLSKeyFile            string
	TLSCAFile             string
	// MaxRPS caps the rate of RPCs issued against the speaker; <= 0 uses
	// defaultMaxRPS.
	MaxRPS int
}

// Client announces and withdraws FlowSpec NLRIs against a gobgpd
// instance over its gRPC API. It holds no mitigation state of its own;
// the store is the sole source of truth (spec §9 "ownership and
// lifetime").
type Client struct {
	conn    *grpc.ClientConn
	bgp     apipb.GobgpApiClient
	logger  *logging.Logger
	reqTTL  time.Duration
	limiter *rate.Limiter
	sf      singleflight.Group
}

// Dial opens the gRPC connection to the configured BGP speaker.
func Dial(ctx context.Context, cfg Config, logger *logging.Logger) (*Client, error) {
	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}

	connectTimeout := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, cfg.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindAnnouncerTransient, "announcer: dial %s", cfg.Address)
	}

	reqTTL := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if reqTTL <= 0 {
		reqTTL = 30 * time.Second
	}

	maxRPS := cfg.MaxRPS
	if maxRPS <= 0 {
		maxRPS = defaultMaxRPS
	}

	return &Client{
		conn:    conn,
		bgp:     apipb.NewGobgpApiClient(conn),
		logger:  logger.WithComponent("announcer"),
		reqTTL:  reqTTL,
		limiter: rate.NewLimiter(rate.Limit(maxRPS), maxRPS),
	}, nil
}

func transportCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if cfg.Insecure {
		return insecure.NewCredentials(), nil
	}
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCAFile, "")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfigReload, "announcer: load speaker TLS credentials")
	}
	return creds, nil
}

// Close tears down the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Announce adds a path for m's NLRI with the rate/discard extended
// community attached, retrying per the fixed backoff schedule. Every
// failed RPC is retried: errors are not classified as transient or
// permanent, and the error returned after the last retry is
// KindAnnouncerTransient.
func (c *Client) Announce(ctx context.Context, m mitigation.Mitigation) error {
	rules, err := EncodeNLRI(m)
	if err != nil {
		return errors.Wrap(err, errors.KindAnnouncerPermanent, "announcer: encode nlri")
	}
	community := EncodeExtendedCommunity(m)

	nlri, err := anypb.New(&apipb.FlowSpecNLRI{Rules: rules})
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "announcer: marshal flowspec nlri")
	}
	extComms, err := anypb.New(&apipb.ExtendedCommunitiesAttribute{
		Communities: []*anypb.Any{mustRawCommunity(community)},
	})
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "announcer: marshal extended communities")
	}

	family := familyFor(m)
	path := &apipb.Path{
		Nlri:   nlri,
		Family: family,
		Pattrs: []*anypb.Any{extComms},
	}

	return c.withRetry(ctx, "announce", func(ctx context.Context) error {
		_, err := c.bgp.AddPath(ctx, &apipb.AddPathRequest{TableType: apipb.TableType_GLOBAL, Path: path})
		return err
	})
}

// Withdraw removes the previously announced path for m. Idempotent:
// withdrawing an already-absent rule is not treated as an error by the
// speaker and neither is it here.
func (c *Client) Withdraw(ctx context.Context, m mitigation.Mitigation) error {
	rules, err := EncodeNLRI(m)
	if err != nil {
		return errors.Wrap(err, errors.KindAnnouncerPermanent, "announcer: encode nlri")
	}
	nlri, err := anypb.New(&apipb.FlowSpecNLRI{Rules: rules})
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "announcer: marshal flowspec nlri")
	}

	path := &apipb.Path{Nlri: nlri, Family: familyFor(m)}

	return c.withRetry(ctx, "withdraw", func(ctx context.Context) error {
		_, err := c.bgp.DeletePath(ctx, &apipb.DeletePathRequest{TableType: apipb.TableType_GLOBAL, Path: path})
		return err
	})
}

// Family selects an IP address family for speaker queries that must
// range over both the IPv4 and IPv6 FlowSpec tables separately.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) apiFamily() *apipb.Family {
	afi := apipb.Family_AFI_IP
	if f == FamilyIPv6 {
		afi = apipb.Family_AFI_IP6
	}
	return &apipb.Family{Afi: afi, Safi: apipb.Family_SAFI_FLOW_SPEC_UNICAST}
}

// ListActiveNLRIs returns every FlowSpec path currently held by the
// speaker in the global table for the given address family, used by the
// reconciliation loop to detect drift against the store (spec §4.6).
func (c *Client) ListActiveNLRIs(ctx context.Context, family Family) ([]*apipb.Path, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.reqTTL)
	defer cancel()

	stream, err := c.bgp.ListPath(reqCtx, &apipb.ListPathRequest{
		TableType: apipb.TableType_GLOBAL,
		Family:    family.apiFamily(),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindAnnouncerTransient, "announcer: list paths")
	}

	var paths []*apipb.Path
	for {
		dst, err := stream.Recv()
		if err != nil {
			break
		}
		paths = append(paths, dst.Destination.Paths...)
	}
	return paths, nil
}

// ExtractPrefixes decodes the destination-prefix component out of each
// path's NLRI. Paths whose NLRI cannot be unmarshalled or decoded are
// skipped rather than failing the whole pass.
func ExtractPrefixes(paths []*apipb.Path) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(paths))
	for _, p := range paths {
		if p == nil || p.Nlri == nil {
			continue
		}
		var nlri apipb.FlowSpecNLRI
		if err := p.Nlri.UnmarshalTo(&nlri); err != nil {
			continue
		}
		if prefix, ok := DecodeDestinationPrefix(nlri.Rules); ok {
			prefixes = append(prefixes, prefix)
		}
	}
	return prefixes
}

// ExtractScopes decodes the full scope (prefix, protocol, ports,
// excluded) out of each path's NLRI, for the reconciliation loop's drift
// comparison against the store's active set (spec §4.6). Keying on the
// full scope rather than just the destination prefix is required once
// parallel mitigations for the same victim exist (spec §4.3's disjoint-
// ports case): they share a prefix but occupy distinct scopes. Paths
// whose NLRI cannot be unmarshalled or decoded are skipped rather than
// failing the whole pass.
func ExtractScopes(paths []*apipb.Path) []scope.Key {
	keys := make([]scope.Key, 0, len(paths))
	for _, p := range paths {
		if p == nil || p.Nlri == nil {
			continue
		}
		var nlri apipb.FlowSpecNLRI
		if err := p.Nlri.UnmarshalTo(&nlri); err != nil {
			continue
		}
		if key, ok := DecodeScopeKey(nlri.Rules); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// ListActiveScopes is ListActiveNLRIs narrowed to the scopes the
// reconciliation loop needs for its drift comparison, covering both
// address families. Single-flighted per client: the periodic
// reconciliation tick and an ad-hoc caller (e.g. a status check) racing
// against it share one pair of ListPath RPCs instead of each issuing its
// own against the speaker.
func (c *Client) ListActiveScopes(ctx context.Context) ([]scope.Key, error) {
	v, err, _ := c.sf.Do("list_active_scopes", func() (any, error) {
		var all []scope.Key
		for _, family := range []Family{FamilyIPv4, FamilyIPv6} {
			paths, err := c.ListActiveNLRIs(ctx, family)
			if err != nil {
				return nil, err
			}
			all = append(all, ExtractScopes(paths)...)
		}
		return all, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]scope.Key), nil
}

// SessionStatus reports whether the speaker's peer session is up.
// SessionStatus is single-flighted per peer address so concurrent
// callers checking the same session share one ListPeer RPC.
func (c *Client) SessionStatus(ctx context.Context, peerAddress string) (bool, error) {
	v, err, _ := c.sf.Do("session_status:"+peerAddress, func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.reqTTL)
		defer cancel()

		stream, err := c.bgp.ListPeer(reqCtx, &apipb.ListPeerRequest{Address: peerAddress})
		if err != nil {
			return false, errors.Wrap(err, errors.KindAnnouncerTransient, "announcer: list peer")
		}

		for {
			peer, err := stream.Recv()
			if err != nil {
				break
			}
			if peer.Peer != nil && peer.Peer.State != nil {
				return peer.Peer.State.SessionState == apipb.PeerState_ESTABLISHED, nil
			}
		}
		return false, fmt.Errorf("announcer: peer %s not found", peerAddress)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, errors.KindAnnouncerTransient, "announcer: "+op+" rate limiter wait")
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.reqTTL)
		err := fn(reqCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Warn("announcer rpc failed, retrying", "op", op, "attempt", attempt, "error", err)

		if attempt < len(retryDelays) {
			select {
			case <-time.After(retryDelays[attempt]):
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.KindAnnouncerTransient, "announcer: "+op+" cancelled")
			}
		}
	}
	return errors.Wrapf(lastErr, errors.KindAnnouncerTransient, "announcer: %s failed after retries", op)
}

func familyFor(m mitigation.Mitigation) *apipb.Family {
	if m.DstPrefix.Addr().Is4() {
		return FamilyIPv4.apiFamily()
	}
	return FamilyIPv6.apiFamily()
}

// mustRawCommunity wraps an 8-byte extended community value in the
// generated RawExtendedCommunity message gobgpapi accepts for community
// kinds it has no dedicated typed message for.
func mustRawCommunity(raw [8]byte) *anypb.Any {
	a, err := anypb.New(&apipb.RawExtendedCommunity{Value: raw[:]})
	if err != nil {
		panic(err)
	}
	return a
}
