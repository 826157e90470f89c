package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fleetimage/imageforge/flashengine"
	"github.com/fleetimage/imageforge/model"
)

// FlashCmd groups the "flash" callable surface (spec §6): flash, list, get.
type FlashCmd struct {
	Run  FlashRunCmd  `cmd:"" name:"run" help:"write an artifact or image file to a device"`
	List FlashListCmd `cmd:"" help:"list flash records, optionally by status"`
	Get  FlashGetCmd  `cmd:"" help:"get one flash record by id"`
}

type FlashRunCmd struct {
	Device          string `arg:"" predictor:"device-path" help:"target device path, e.g. /dev/sdb"`
	ArtifactID      int64  `xor:"source" help:"artifact id to flash (mutually exclusive with --image)"`
	Image           string `xor:"source" type:"existingfile" help:"explicit image file path to flash (mutually exclusive with --artifact-id)"`
	Wipe            bool   `help:"zero known filesystem/partition signatures before writing"`
	Force           bool   `help:"required to proceed on a non-dry-run write"`
	DryRun          bool   `help:"validate preconditions and report without writing"`
	VerifyPrefix    int64  `help:"verify only the first N bytes instead of the full image (0 means full)"`
}

func (c *FlashRunCmd) Run(cctx *Context) error {
	src := flashengine.Source{ImagePath: c.Image}
	if c.ArtifactID != 0 {
		id := c.ArtifactID
		src.ArtifactID = &id
	}

	verifyMode := model.VerifyFull
	if c.VerifyPrefix > 0 {
		verifyMode = model.VerifyPrefix
	}

	rec, err := cctx.Flashes.Flash(context.Background(), src, c.Device, flashengine.Options{
		VerifyMode:      verifyMode,
		VerifyPrefixLen: c.VerifyPrefix,
		Wipe:            c.Wipe,
		Force:           c.Force,
		DryRun:          c.DryRun,
	})
	if err != nil {
		return err
	}
	fmt.Printf("flash %d (%s): status=%s bytes_written=%d verify=%s\n", rec.ID, rec.ExternalID, rec.Status, rec.BytesWritten, rec.VerifyResult)
	return nil
}

type FlashListCmd struct {
	Status     string `help:"optional status filter: pending|running|succeeded|failed"`
	ArtifactID int64  `help:"optional artifact id filter"`
}

func (c *FlashListCmd) Run(cctx *Context) error {
	var list []model.FlashRecord
	var err error
	if c.ArtifactID != 0 {
		list, err = cctx.Store.ListFlashesByArtifact(context.Background(), c.ArtifactID)
	} else {
		list, err = cctx.Store.ListFlashesByStatus(context.Background(), model.FlashStatus(c.Status))
	}
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tSTATUS\tBYTES WRITTEN\tVERIFY\tSUSPECT\t")
	for _, f := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%v\t\n", f.ID, f.DevicePath, f.Status, f.BytesWritten, f.VerifyResult, f.Suspect)
	}
	return w.Flush()
}

type FlashGetCmd struct {
	ID int64 `arg:"" help:"flash record id"`
}

func (c *FlashGetCmd) Run(cctx *Context) error {
	f, err := cctx.Store.GetFlash(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("flash %d: not_found", c.ID)
	}
	return json.NewEncoder(os.Stdout).Encode(f)
}
