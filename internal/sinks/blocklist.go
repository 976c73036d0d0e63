package sinks

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	wafv2types "github.com/aws/aws-sdk-go-v2/service/wafv2/types"

	"github.com/stratasec/aegis/internal/config"
	"github.com/stratasec/aegis/internal/types"
)

// wafAPI is the slice of the WAFv2 client the sink uses.
type wafAPI interface {
	GetIPSet(ctx context.Context, params *wafv2.GetIPSetInput, optFns ...func(*wafv2.Options)) (*wafv2.GetIPSetOutput, error)
	UpdateIPSet(ctx context.Context, params *wafv2.UpdateIPSetInput, optFns ...func(*wafv2.Options)) (*wafv2.UpdateIPSetOutput, error)
}

// IPSetBlocker manages a WAFv2 IP set. Updates are read-modify-write guarded
// by the set's lock token; a token conflict surfaces as an error and the
// escalation processor retries on its next sweep.
type IPSetBlocker struct {
	client wafAPI
	cfg    config.BlocklistConfig
}

// NewIPSetBlocker creates a blocklist sink over a WAFv2 client.
func NewIPSetBlocker(client *wafv2.Client, cfg config.BlocklistConfig) *IPSetBlocker {
	return &IPSetBlocker{client: client, cfg: cfg}
}

// Block adds an address to the IP set. Adding an address that is already
// present is a no-op, not an error.
func (b *IPSetBlocker) Block(ctx context.Context, ip string) error {
	cidr := types.NormalizeCIDR(ip)
	return b.update(ctx, func(addresses []string) ([]string, bool) {
		for _, a := range addresses {
			if a == cidr {
				return addresses, false
			}
		}
		return append(addresses, cidr), true
	})
}

// Unblock removes an address from the IP set. Removing an absent address is
// a no-op.
func (b *IPSetBlocker) Unblock(ctx context.Context, ip string) error {
	cidr := types.NormalizeCIDR(ip)
	return b.update(ctx, func(addresses []string) ([]string, bool) {
		out := addresses[:0]
		found := false
		for _, a := range addresses {
			if a == cidr {
				found = true
				continue
			}
			out = append(out, a)
		}
		return out, found
	})
}

func (b *IPSetBlocker) update(ctx context.Context, mutate func([]string) ([]string, bool)) error {
	if b.cfg.IPSetID == "" || b.cfg.IPSetName == "" {
		return fmt.Errorf("blocklist sink not configured")
	}
	scope := wafv2types.Scope(b.cfg.Scope)
	if scope == "" {
		scope = wafv2types.ScopeRegional
	}

	got, err := b.client.GetIPSet(ctx, &wafv2.GetIPSetInput{
		Id:    aws.String(b.cfg.IPSetID),
		Name:  aws.String(b.cfg.IPSetName),
		Scope: scope,
	})
	if err != nil {
		return fmt.Errorf("failed to read IP set: %w", err)
	}

	addresses, changed := mutate(got.IPSet.Addresses)
	if !changed {
		return nil
	}

	_, err = b.client.UpdateIPSet(ctx, &wafv2.UpdateIPSetInput{
		Id:        aws.String(b.cfg.IPSetID),
		Name:      aws.String(b.cfg.IPSetName),
		Scope:     scope,
		Addresses: addresses,
		LockToken: got.LockToken,
	})
	if err != nil {
		return fmt.Errorf("failed to update IP set: %w", err)
	}
	return nil
}
