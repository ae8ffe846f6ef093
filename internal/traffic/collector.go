package traffic

import (
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/sirupsen/logrus"
)

// counterSource is the part of *iptables.IPTables the collector reads from.
type counterSource interface {
	ChainExists(table, chain string) (bool, error)
	Stats(table, chain string) ([][]string, error)
}

// Collector reads the byte counters of the local accounting chains and renders
// them in the format Parse understands.
type Collector struct {
	ipt    counterSource
	table  string
	chains []string
	log    logrus.FieldLogger
}

func NewCollector(table string, chains []string, log logrus.FieldLogger) (*Collector, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to init iptables: %w", err)
	}
	return newCollector(ipt, table, chains, log), nil
}

func newCollector(src counterSource, table string, chains []string, log logrus.FieldLogger) *Collector {
	if table == "" {
		table = "filter"
	}
	return &Collector{ipt: src, table: table, chains: chains, log: log}
}

// Collect returns one line per rule: "pkts bytes target prot opt in out source destination options".
func (c *Collector) Collect() (string, error) {
	var b strings.Builder
	read := 0
	for _, chain := range c.chains {
		exists, err := c.ipt.ChainExists(c.table, chain)
		if err != nil {
			return "", fmt.Errorf("failed to check chain %s/%s: %w", c.table, chain, err)
		}
		if !exists {
			c.log.WithField("chain", chain).Warn("accounting chain not found, skipping")
			continue
		}
		rows, err := c.ipt.Stats(c.table, chain)
		if err != nil {
			return "", fmt.Errorf("failed to read counters of %s/%s: %w", c.table, chain, err)
		}
		for _, row := range rows {
			b.WriteString(strings.Join(row, " "))
			b.WriteByte('\n')
		}
		read++
	}
	c.log.WithFields(logrus.Fields{"table": c.table, "chains": read}).Debug("collected counters")
	return b.String(), nil
}
