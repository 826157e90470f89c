package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fleetimage/imageforge/buildengine"
	"github.com/fleetimage/imageforge/model"
)

// BuildsCmd groups the "builds" callable surface (spec §6): build_or_reuse,
// build_batch, list, get, list_artifacts.
type BuildsCmd struct {
	Run         BuildsRunCmd         `cmd:"" name:"run" help:"build_or_reuse: build a profile, or reuse a matching cached build"`
	Batch       BuildsBatchCmd       `cmd:"" help:"build_batch: build several profiles under bounded parallelism"`
	List        BuildsListCmd        `cmd:"" help:"list builds for a profile"`
	Get         BuildsGetCmd         `cmd:"" help:"get one build by id"`
	ListArtifacts BuildsListArtifactsCmd `cmd:"" name:"list-artifacts" help:"list artifacts produced by a build"`
}

type BuildsRunCmd struct {
	ProfileID      string   `arg:"" predictor:"profile-id" help:"profile id"`
	Force          bool     `name:"force" help:"rebuild even if a matching succeeded build is cached"`
	ExtraPackages  []string `name:"add-package" help:"additional packages to add for this run only"`
	RemovePackages []string `name:"remove-package" help:"additional packages to subtract for this run only"`
	Initramfs      bool     `help:"build an initramfs image instead of the default image kind"`
}

func (c *BuildsRunCmd) Run(cctx *Context) error {
	res, err := cctx.Builds.BuildOrReuse(context.Background(), c.ProfileID, buildengine.Options{
		ForceRebuild:     c.Force,
		ExtraPackagesAdd: c.ExtraPackages,
		ExtraPackagesSub: c.RemovePackages,
		Initramfs:        c.Initramfs,
	})
	if err != nil {
		return err
	}
	fmt.Printf("build %d (%s): status=%s cache_hit=%v artifacts=%d\n", res.Record.ID, res.Record.ExternalID, res.Record.Status, res.CacheHit, len(res.Artifacts))
	return nil
}

type BuildsBatchCmd struct {
	ProfileIDs  []string `arg:"" help:"profile ids to build"`
	BestEffort  bool     `help:"run every profile to completion regardless of individual failures"`
	Parallelism int64    `default:"2" help:"bounded global parallelism across the batch"`
}

func (c *BuildsBatchCmd) Run(cctx *Context) error {
	mode := buildengine.FailFast
	if c.BestEffort {
		mode = buildengine.BestEffort
	}
	items, err := cctx.Builds.BuildBatch(context.Background(), c.ProfileIDs, buildengine.BatchOptions{
		Mode:        mode,
		Parallelism: c.Parallelism,
	})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tSTATUS\tERROR\t")
	for _, item := range items {
		status := "?"
		if item.Result != nil {
			status = string(item.Result.Record.Status)
		}
		errMsg := ""
		if item.Err != nil {
			errMsg = item.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", item.ProfileID, status, errMsg)
	}
	return w.Flush()
}

type BuildsListCmd struct {
	ProfileID string `arg:"" predictor:"profile-id" help:"profile id"`
	Status    string `help:"optional status filter: pending|running|succeeded|failed"`
}

func (c *BuildsListCmd) Run(cctx *Context) error {
	list, err := cctx.Store.ListBuildsByProfile(context.Background(), c.ProfileID, model.BuildStatus(strings.ToLower(c.Status)))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCACHE KEY\tREQUESTED AT\t")
	for _, b := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t\n", b.ID, b.Status, b.CacheKey, b.RequestedAt)
	}
	return w.Flush()
}

type BuildsGetCmd struct {
	ID int64 `arg:"" help:"build id"`
}

func (c *BuildsGetCmd) Run(cctx *Context) error {
	b, err := cctx.Store.GetBuild(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("build %d: not_found", c.ID)
	}
	return json.NewEncoder(os.Stdout).Encode(b)
}

type BuildsListArtifactsCmd struct {
	BuildID int64 `arg:"" help:"build id"`
}

func (c *BuildsListArtifactsCmd) Run(cctx *Context) error {
	list, err := cctx.Store.ListArtifacts(context.Background(), c.BuildID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tFILENAME\tSIZE\tSHA256\t")
	for _, a := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t\n", a.ID, a.Kind, a.Filename, a.Size, a.SHA256)
	}
	return w.Flush()
}
