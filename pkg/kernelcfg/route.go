package kernelcfg

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nemu-network/nemu/pkg/environment"
	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// RouteType enumerates the recognised route kinds.
type RouteType string

const (
	RouteUnicast     RouteType = "unicast"
	RouteLocal       RouteType = "local"
	RouteBroadcast   RouteType = "broadcast"
	RouteMulticast   RouteType = "multicast"
	RouteThrow       RouteType = "throw"
	RouteUnreachable RouteType = "unreachable"
	RouteProhibit    RouteType = "prohibit"
	RouteBlackhole   RouteType = "blackhole"
	RouteNat         RouteType = "nat"
)

// Route is the typed value object for one kernel route: at least one of
// Nexthop or IfIndex must be set.
type Route struct {
	Type      RouteType
	Prefix    string // "" for default/"/0" routes
	PrefixLen int
	Nexthop   string // "" if unset
	IfIndex   int    // 0 if unset
	Metric    int
}

// Validate enforces the "at least one of nexthop or interface" invariant.
func (r Route) Validate() error {
	if r.Nexthop == "" && r.IfIndex == 0 {
		return nemuutil.NewConfigError("route", fmt.Sprintf("%+v", r), "at least one of nexthop or interface must be set")
	}
	return nil
}

// GetRoutes parses `ip -o route list` plus an IPv6 pass.
func GetRoutes(ctx context.Context) ([]Route, error) {
	var routes []Route
	for _, fam := range []string{"-4", "-6"} {
		out, err := environment.Backticks(ctx, []string{"ip", "-o", fam, "route", "list"})
		if err != nil {
			return nil, err
		}
		rs, err := parseRouteList(out)
		if err != nil {
			return nil, err
		}
		routes = append(routes, rs...)
	}
	return routes, nil
}

// parseRouteList parses lines like:
//
//	default via 10.0.0.1 dev eth0
//	10.0.0.0/24 dev eth0 proto kernel scope link src 10.0.0.2
//	unreachable 10.1.0.0/24 dev lo scope host metric 100
func parseRouteList(out string) ([]Route, error) {
	var routes []Route
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r, err := parseRouteLine(line)
		if err != nil {
			return nil, fmt.Errorf("nemu: parse ip route line %q: %w", line, err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

var routeTypeTokens = map[string]RouteType{
	"local": RouteLocal, "broadcast": RouteBroadcast, "multicast": RouteMulticast,
	"throw": RouteThrow, "unreachable": RouteUnreachable, "prohibit": RouteProhibit,
	"blackhole": RouteBlackhole, "nat": RouteNat,
}

func parseRouteLine(line string) (Route, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Route{}, fmt.Errorf("empty route line")
	}

	r := Route{Type: RouteUnicast}
	i := 0
	if t, ok := routeTypeTokens[fields[0]]; ok {
		r.Type = t
		i = 1
	}

	if i < len(fields) {
		switch fields[i] {
		case "default":
			r.Prefix, r.PrefixLen = "", 0
			i++
		default:
			prefix, plen, err := parseCIDR(ensureSlash(fields[i]))
			if err != nil {
				return Route{}, err
			}
			r.Prefix, r.PrefixLen = prefix, plen
			i++
		}
	}

	for ; i < len(fields); i++ {
		switch fields[i] {
		case "via":
			if i+1 < len(fields) {
				r.Nexthop = fields[i+1]
				i++
			}
		case "dev":
			if i+1 < len(fields) {
				link, err := GetLinkByName(context.Background(), fields[i+1])
				if err == nil {
					r.IfIndex = link.Index
				}
				i++
			}
		case "metric":
			if i+1 < len(fields) {
				r.Metric, _ = strconv.Atoi(fields[i+1])
				i++
			}
		}
	}

	return r, nil
}

func ensureSlash(s string) string {
	if strings.Contains(s, "/") {
		return s
	}
	return s + "/32"
}

// AddRoute issues `ip route add <type> <prefix> via <nexthop> dev <ifname> metric <n>`.
func AddRoute(ctx context.Context, r Route, ifname string) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return environment.Execute(ctx, routeArgv(ctx, "add", r, ifname))
}

// DelRoute issues the del-form of AddRoute's command.
func DelRoute(ctx context.Context, r Route, ifname string) error {
	return environment.Execute(ctx, routeArgv(ctx, "del", r, ifname))
}

func routeArgv(ctx context.Context, verb string, r Route, ifname string) []string {
	argv := []string{"ip", "route", verb}
	if r.Type != RouteUnicast {
		argv = append(argv, string(r.Type))
	}
	if r.Prefix == "" {
		argv = append(argv, "default")
	} else {
		argv = append(argv, fmt.Sprintf("%s/%d", r.Prefix, r.PrefixLen))
	}
	if r.Nexthop != "" {
		argv = append(argv, "via", r.Nexthop)
	}
	if ifname != "" {
		argv = append(argv, "dev", ifname)
	}
	if r.Metric != 0 {
		argv = append(argv, "metric", strconv.Itoa(r.Metric))
	}
	return argv
}
