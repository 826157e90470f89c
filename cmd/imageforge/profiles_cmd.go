package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fleetimage/imageforge/store"
)

// ProfilesCmd groups the "profiles" callable surface (spec §6): list, get,
// upsert, delete, import, export.
type ProfilesCmd struct {
	List   ProfilesListCmd   `cmd:"" help:"list profiles"`
	Get    ProfilesGetCmd    `cmd:"" help:"get one profile by id"`
	Delete ProfilesDeleteCmd `cmd:"" help:"soft-delete a profile"`
	Import ProfilesImportCmd `cmd:"" help:"upsert a profile from a YAML/JSON file"`
	Export ProfilesExportCmd `cmd:"" help:"print a profile as YAML"`
}

type ProfilesListCmd struct {
	Release   string `help:"filter by release"`
	Target    string `help:"filter by target"`
	Subtarget string `help:"filter by subtarget"`
	Tag       string `help:"filter by tag"`
	Text      string `help:"free-text filter over id/name/description"`
}

func (c *ProfilesListCmd) Run(cctx *Context) error {
	profiles, err := cctx.Store.ListProfiles(context.Background(), store.ProfileFilter(c.Release, c.Target, c.Subtarget, c.Tag, c.Text))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRELEASE\tTARGET\tSUBTARGET\tVERSION\t")
	for _, p := range profiles {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t\n", p.ID, p.Release, p.Target, p.Subtarget, p.Version)
	}
	return w.Flush()
}

type ProfilesGetCmd struct {
	ID string `arg:"" predictor:"profile-id" help:"profile id"`
}

func (c *ProfilesGetCmd) Run(cctx *Context) error {
	p, err := cctx.Store.GetProfile(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("profile %s: not_found", c.ID)
	}
	return json.NewEncoder(os.Stdout).Encode(p)
}

type ProfilesDeleteCmd struct {
	ID string `arg:"" predictor:"profile-id" help:"profile id"`
}

func (c *ProfilesDeleteCmd) Run(cctx *Context) error {
	return cctx.Store.DeleteProfile(context.Background(), c.ID)
}

type ProfilesImportCmd struct {
	File string `arg:"" type:"existingfile" help:"YAML or JSON profile document"`
}

func (c *ProfilesImportCmd) Run(cctx *Context) error {
	p, err := loadProfileFile(c.File)
	if err != nil {
		return err
	}
	saved, err := cctx.Store.UpsertProfile(context.Background(), *p)
	if err != nil {
		return err
	}
	fmt.Printf("upserted %s (version %d)\n", saved.ID, saved.Version)
	return nil
}

type ProfilesExportCmd struct {
	ID string `arg:"" predictor:"profile-id" help:"profile id"`
}

func (c *ProfilesExportCmd) Run(cctx *Context) error {
	p, err := cctx.Store.GetProfile(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("profile %s: not_found", c.ID)
	}
	return writeProfileYAML(os.Stdout, *p)
}
