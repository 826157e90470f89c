package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fleetimage/imageforge/model"
	"github.com/fleetimage/imageforge/toolchain"
)

// ToolchainsCmd groups the "toolchains" callable surface (spec §6): ensure,
// list, prune, info.
type ToolchainsCmd struct {
	Ensure ToolchainsEnsureCmd `cmd:"" help:"ensure a (release, target, subtarget) toolchain is cached and ready"`
	List   ToolchainsListCmd   `cmd:"" help:"list cached toolchain instances"`
	Prune  ToolchainsPruneCmd  `cmd:"" help:"evict unused or stale cached toolchains"`
	Info   ToolchainsInfoCmd   `cmd:"" help:"aggregate counts by lifecycle state"`
}

type ToolchainsEnsureCmd struct {
	Release   string `arg:"" help:"OpenWrt-style release, e.g. 23.05"`
	Target    string `arg:"" help:"target, e.g. ath79"`
	Subtarget string `arg:"" help:"subtarget, e.g. generic"`
}

func (c *ToolchainsEnsureCmd) Run(cctx *Context) error {
	inst, err := cctx.Toolchains.Ensure(context.Background(), model.ToolchainKey{
		Release: c.Release, Target: c.Target, Subtarget: c.Subtarget,
	})
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(inst)
}

type ToolchainsListCmd struct{}

func (c *ToolchainsListCmd) Run(cctx *Context) error {
	list, err := cctx.Toolchains.List(context.Background(), nil)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATE\tLAST USED\t")
	for _, inst := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", inst.Key.String(), inst.State, inst.LastUsedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

type ToolchainsPruneCmd struct {
	UnusedOnly bool          `help:"also remove ready instances unused for longer than --older-than (broken instances are always removed; instances referenced by a pending or running build never are)"`
	OlderThan  time.Duration `help:"with --unused-only, how long a ready instance must be unused before it is removed"`
	DryRun     bool          `help:"report what would be removed without removing it"`
}

func (c *ToolchainsPruneCmd) Run(cctx *Context) error {
	result, err := cctx.Toolchains.Prune(context.Background(), toolchain.PruneOptions{
		UnusedOnly: c.UnusedOnly,
		OlderThan:  c.OlderThan,
		DryRun:     c.DryRun,
	})
	if err != nil {
		return err
	}
	for _, key := range result.Removed {
		fmt.Println(key.String())
	}
	if c.DryRun {
		fmt.Printf("%d instance(s) would be removed\n", len(result.Removed))
	} else {
		fmt.Printf("%d instance(s) removed\n", len(result.Removed))
	}
	return nil
}

type ToolchainsInfoCmd struct{}

func (c *ToolchainsInfoCmd) Run(cctx *Context) error {
	info, err := cctx.Toolchains.Info(context.Background())
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(info)
}
