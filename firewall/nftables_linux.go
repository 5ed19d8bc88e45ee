package firewall

import (
	"fmt"
	"sync"

	"github.com/google/nftables"

	"github.com/fosrl/tunnelctl/logger"
	"github.com/fosrl/tunnelctl/tunnelstate"
)

// conn is the part of *nftables.Conn the firewall batches into.
type conn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	Flush() error
}

// Firewall applies policies through nftables netlink batches.
type Firewall struct {
	mu    sync.Mutex
	table string
	conn  conn
	last  *tunnelstate.FirewallPolicy
}

// New returns a Firewall managing the named inet table.
func New(table string) (*Firewall, error) {
	c, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	}
	return newFirewall(table, c), nil
}

func newFirewall(table string, c conn) *Firewall {
	if table == "" {
		table = DefaultTable
	}
	return &Firewall{table: table, conn: c}
}

// ApplyPolicy replaces the installed rules with policy. Reapplying the
// policy already in place does nothing.
func (f *Firewall) ApplyPolicy(policy tunnelstate.FirewallPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.last != nil && f.last.Equal(policy) {
		return nil
	}

	table := f.replaceTable()
	output := f.conn.AddChain(filterChain(table, chainOutput, nftables.ChainHookOutput))
	input := f.conn.AddChain(filterChain(table, chainInput, nftables.ChainHookInput))
	rules := policyRules(policy)
	for _, r := range rules {
		chain := output
		if r.chain == chainInput {
			chain = input
		}
		f.conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: r.exprs})
	}

	if err := f.conn.Flush(); err != nil {
		f.last = nil
		return fmt.Errorf("firewall: apply %s: %w", policy, err)
	}
	f.last = &policy
	logger.Info("firewall: applied %s", policy)
	for _, r := range rules {
		logger.Debug("firewall: %s %s", r.chain, r.text)
	}
	return nil
}

// ResetPolicy removes every rule the daemon installed.
func (f *Firewall) ResetPolicy() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.last = nil
	// Adding first makes the delete valid when no table exists.
	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: f.table}
	f.conn.AddTable(table)
	f.conn.DelTable(table)
	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: reset: %w", err)
	}
	logger.Info("firewall: removed table %s", f.table)
	return nil
}

// replaceTable queues the create/delete/create sequence that leaves an empty
// table whether or not one existed. The batch is applied by Flush.
func (f *Firewall) replaceTable() *nftables.Table {
	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: f.table}
	f.conn.AddTable(table)
	f.conn.DelTable(table)
	return f.conn.AddTable(table)
}

func filterChain(table *nftables.Table, name string, hook *nftables.ChainHook) *nftables.Chain {
	drop := nftables.ChainPolicyDrop
	return &nftables.Chain{
		Name:     name,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hook,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &drop,
	}
}
