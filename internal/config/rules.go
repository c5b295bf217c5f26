package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mohammadhprp/ratelimiting/internal/rules"
)

// Discriminator kinds accepted in the rules file.
const (
	DiscriminatorIP       = "ip"
	DiscriminatorRemoteIP = "remote_ip"
	DiscriminatorHeader   = "header"
	DiscriminatorPath     = "path"
	DiscriminatorIPPath   = "ip_path"
)

var (
	ErrUnknownDiscriminator = errors.New("unknown discriminator")
	ErrEmptyCondition       = errors.New("rule needs at least one condition")
)

// RulesFile is the declarative form of the admission rules.
type RulesFile struct {
	// TrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
	// headers the ip and ip_path discriminators honour. When empty those
	// headers are honoured from every peer.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Safelist  []MatchRuleConfig    `yaml:"safelist"`
	Blocklist []MatchRuleConfig    `yaml:"blocklist"`
	Throttle  []ThrottleRuleConfig `yaml:"throttle"`
}

// Scope selects requests. Every non-empty field must match.
type Scope struct {
	Paths          []string `yaml:"paths"`           // glob patterns
	PathPrefixes   []string `yaml:"path_prefixes"`   // path segments
	Methods        []string `yaml:"methods"`
	Networks       []string `yaml:"networks"`        // peer inside one of these
	ExceptNetworks []string `yaml:"except_networks"` // peer outside all of these
}

// MatchRuleConfig describes a safelist or blocklist rule.
type MatchRuleConfig struct {
	Name  string `yaml:"name"`
	Scope `yaml:",inline"`
}

// ThrottleRuleConfig describes a throttle rule. An empty scope applies the
// rule to every request.
type ThrottleRuleConfig struct {
	Name          string        `yaml:"name"`
	Limit         int64         `yaml:"limit"`
	Period        time.Duration `yaml:"period"`
	Discriminator string        `yaml:"discriminator"`
	Header        string        `yaml:"header"`
	Scope         `yaml:",inline"`
}

// LoadRules reads and parses a rules file.
func LoadRules(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses YAML rules. Unknown fields are rejected.
func ParseRules(data []byte) (*RulesFile, error) {
	var f RulesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return &f, nil
}

// Registry compiles the rules into a registry, in file order.
func (f *RulesFile) Registry() (*rules.Registry, error) {
	b := rules.NewBuilder()

	for i, rc := range f.Safelist {
		p, err := rc.predicate()
		if err != nil {
			return nil, fmt.Errorf("safelist[%d] %q: %w", i, rc.Name, err)
		}
		if err := b.Safelist(rc.Name, p); err != nil {
			return nil, fmt.Errorf("safelist[%d]: %w", i, err)
		}
	}

	for i, rc := range f.Blocklist {
		p, err := rc.predicate()
		if err != nil {
			return nil, fmt.Errorf("blocklist[%d] %q: %w", i, rc.Name, err)
		}
		if err := b.Blocklist(rc.Name, p); err != nil {
			return nil, fmt.Errorf("blocklist[%d]: %w", i, err)
		}
	}

	var trusted rules.Predicate
	if len(f.TrustedProxies) > 0 {
		p, err := rules.FromNetworks(f.TrustedProxies...)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %w", err)
		}
		trusted = p
	}

	for i, tc := range f.Throttle {
		disc, err := tc.discriminator(trusted)
		if err != nil {
			return nil, fmt.Errorf("throttle[%d] %q: %w", i, tc.Name, err)
		}
		if err := b.ThrottleFixed(tc.Name, tc.Limit, tc.Period, disc); err != nil {
			return nil, fmt.Errorf("throttle[%d]: %w", i, err)
		}
	}

	return b.Build(), nil
}

func (rc MatchRuleConfig) predicate() (rules.Predicate, error) {
	p, ok, err := rc.Scope.predicate()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptyCondition
	}
	return p, nil
}

// discriminator builds the rule's discriminator. A nil trusted predicate
// honours forwarding headers from every peer.
func (tc ThrottleRuleConfig) discriminator(trusted rules.Predicate) (rules.DiscriminatorFunc, error) {
	var disc rules.DiscriminatorFunc
	switch tc.Discriminator {
	case DiscriminatorIP, "":
		disc = rules.ByClientIP()
		if trusted != nil {
			disc = rules.ByTrustedClientIP(trusted)
		}
	case DiscriminatorRemoteIP:
		disc = rules.ByRemoteIP()
	case DiscriminatorPath:
		disc = rules.ByPath()
	case DiscriminatorIPPath:
		disc = rules.ByClientIPAndPath()
		if trusted != nil {
			disc = rules.ByTrustedClientIPAndPath(trusted)
		}
	case DiscriminatorHeader:
		if tc.Header == "" {
			return nil, fmt.Errorf("discriminator %q requires header", DiscriminatorHeader)
		}
		disc = rules.ByHeader(tc.Header)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDiscriminator, tc.Discriminator)
	}

	scope, ok, err := tc.Scope.predicate()
	if err != nil {
		return nil, err
	}
	if ok {
		disc = rules.Scoped(scope, disc)
	}
	return disc, nil
}

// predicate combines the scope conditions. ok is false when the scope is empty.
func (s Scope) predicate() (p rules.Predicate, ok bool, err error) {
	var conds []rules.Predicate

	if len(s.Paths) > 0 {
		conds = append(conds, rules.PathGlob(s.Paths...))
	}
	if len(s.PathPrefixes) > 0 {
		conds = append(conds, rules.PathPrefix(s.PathPrefixes...))
	}
	if len(s.Methods) > 0 {
		methods := make(map[string]struct{}, len(s.Methods))
		for _, m := range s.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		conds = append(conds, rules.Match(func(req *rules.Request) bool {
			method := req.Method
			if method == "" {
				method = http.MethodGet
			}
			_, found := methods[method]
			return found
		}))
	}
	if len(s.Networks) > 0 {
		in, err := rules.FromNetworks(s.Networks...)
		if err != nil {
			return nil, false, err
		}
		conds = append(conds, in)
	}
	if len(s.ExceptNetworks) > 0 {
		in, err := rules.FromNetworks(s.ExceptNetworks...)
		if err != nil {
			return nil, false, err
		}
		conds = append(conds, rules.Not(in))
	}

	switch len(conds) {
	case 0:
		return nil, false, nil
	case 1:
		return conds[0], true, nil
	default:
		return rules.All(conds...), true, nil
	}
}
