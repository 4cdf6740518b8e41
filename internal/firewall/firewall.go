// Package firewall installs an egress allowlist inside a container.
// Rules are written to the container's own iptables OUTPUT chain, so the
// container needs NET_ADMIN and the commands run privileged. Private ranges
// and established flows stay reachable, everything else is rejected. Rules
// are installed front to back and the default reject goes in strictly last,
// so a partially applied set is never more open than an unapplied one.
package firewall

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/ctfarena/warden/internal/config"
	"github.com/ctfarena/warden/internal/executor"
	"github.com/ctfarena/warden/internal/runtime"
)

// Rule is one OUTPUT chain entry, stored as the iptables match and target
// arguments that follow the chain name.
type Rule struct {
	Args string
}

// checkCommand probes whether the rule is already installed.
func (r Rule) checkCommand() string {
	return "iptables -C OUTPUT " + r.Args
}

// appendCommand installs the rule at the end of the chain.
func (r Rule) appendCommand() string {
	return "iptables -A OUTPUT " + r.Args
}

// RuleSet is an ordered list of OUTPUT rules. Order matters: accepts must
// precede the terminal reject.
type RuleSet struct {
	rules []Rule
}

// DefaultRuleSet allows loopback, RFC 1918 space, and replies to
// established flows, then rejects everything else. extraCIDRs are appended
// after the built-in private ranges and validated for shape.
func DefaultRuleSet(extraCIDRs []string) (RuleSet, error) {
	rules := []Rule{
		{Args: "-o lo -j ACCEPT"},
		{Args: "-d 127.0.0.0/8 -j ACCEPT"},
		{Args: "-d 10.0.0.0/8 -j ACCEPT"},
		{Args: "-d 172.16.0.0/12 -j ACCEPT"},
		{Args: "-d 192.168.0.0/16 -j ACCEPT"},
		{Args: "-m conntrack --ctstate ESTABLISHED,RELATED -j ACCEPT"},
	}
	for _, cidr := range extraCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return RuleSet{}, fmt.Errorf("invalid allowed CIDR %q: %w", cidr, err)
		}
		rules = append(rules, Rule{Args: "-d " + cidr + " -j ACCEPT"})
	}
	rules = append(rules, Rule{Args: "-j REJECT"})
	return RuleSet{rules: rules}, nil
}

// Rules returns the ordered rules.
func (rs RuleSet) Rules() []Rule { return rs.rules }

// Enforcer applies rule sets to containers through the guarded executor.
type Enforcer struct {
	runner   executor.Runner
	timeouts config.TimeoutConfig
	logger   *slog.Logger

	// OnApply, when set, observes the outcome of every Apply. Nil-safe.
	OnApply func(err error)
}

// New creates an Enforcer.
func New(runner executor.Runner, timeouts config.TimeoutConfig, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Enforcer{runner: runner, timeouts: timeouts, logger: logger}
}

// Apply installs every rule in order inside ctr. Each rule is probed with
// iptables -C first so re-applying after recovery never duplicates entries.
// The installed chain is the source of truth: a container whose chain
// already carries a rule keeps it untouched. Any step that fails aborts the
// application, and because the terminal reject is the last rule, aborting
// leaves the container no more permissive than before Apply was called.
func (e *Enforcer) Apply(ctx context.Context, ctr *runtime.Container, rs RuleSet) error {
	err := e.apply(ctx, ctr, rs)
	if e.OnApply != nil {
		e.OnApply(err)
	}
	return err
}

func (e *Enforcer) apply(ctx context.Context, ctr *runtime.Container, rs RuleSet) error {
	for _, rule := range rs.rules {
		installed, err := e.installed(ctx, ctr, rule)
		if err != nil {
			return fmt.Errorf("probe rule %q on %s: %w", rule.Args, ctr.Name, err)
		}
		if installed {
			continue
		}
		if err := e.run(ctx, ctr, rule.appendCommand()); err != nil {
			return fmt.Errorf("install rule %q on %s: %w", rule.Args, ctr.Name, err)
		}
	}
	e.logger.Info("egress restriction applied",
		slog.String("container", ctr.Name),
		slog.Int("rules", len(rs.rules)),
	)
	return nil
}

// Verify reports whether every rule in rs is present in ctr's OUTPUT chain.
// It never mutates the chain.
func (e *Enforcer) Verify(ctx context.Context, ctr *runtime.Container, rs RuleSet) (bool, error) {
	for _, rule := range rs.rules {
		installed, err := e.installed(ctx, ctr, rule)
		if err != nil {
			return false, err
		}
		if !installed {
			return false, nil
		}
	}
	return true, nil
}

// installed probes one rule with iptables -C. Exit 0 means present, exit 1
// means absent; anything else (iptables missing, no NET_ADMIN) is an error.
func (e *Enforcer) installed(ctx context.Context, ctr *runtime.Container, rule Rule) (bool, error) {
	res := e.runner.Execute(ctx, ctr, executor.Request{
		Command:    rule.checkCommand(),
		Timeout:    e.timeouts.HealthCheckTimeout(),
		Privileged: true,
	})
	if !res.Completed() {
		return false, fmt.Errorf("iptables check did not complete: status=%s %s", res.Status, strings.TrimSpace(res.Stderr))
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("iptables check exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
}

func (e *Enforcer) run(ctx context.Context, ctr *runtime.Container, command string) error {
	res := e.runner.Execute(ctx, ctr, executor.Request{
		Command:    command,
		Timeout:    e.timeouts.HealthCheckTimeout(),
		Privileged: true,
	})
	if !res.Completed() {
		return fmt.Errorf("command did not complete: status=%s", res.Status)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
