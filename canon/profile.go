package canon

import "github.com/fleetimage/imageforge/model"

// ProfileFields renders the profile fields that participate in the cache key
// (spec §3 Profile, §4.4 step 3: "all profile fields ... excluding
// timestamps and provenance"). Profile has no timestamp/provenance fields in
// this model (those live on BuildRecord), so every declared field is
// included.
func ProfileFields(p model.Profile) Map {
	overlays := make([]Value, 0, len(p.Overlays))
	for _, o := range p.Overlays {
		overlays = append(overlays, Map{
			"source": o.Source,
			"dest":   o.Dest,
			"mode":   o.Mode,
			"owner":  o.Owner,
		})
	}

	return Map{
		"name":            p.Name,
		"description":     p.Description,
		"device_label":    p.DeviceLabel,
		"tags":            Set(p.Tags),
		"release":         p.Release,
		"target":          p.Target,
		"subtarget":       p.Subtarget,
		"builder_profile": p.BuilderProfile,
		"packages_add":    toStringList(p.PackagesAdd),
		"packages_sub":    toStringList(p.PackagesSub),
		"overlays":        overlays,
		"overlay_dir":     p.OverlayDir,
		"policy": Map{
			"filesystem":             p.Policy.Filesystem,
			"include_kernel_symbols": p.Policy.IncludeKernelSymbols,
			"strip_debug":            p.Policy.StripDebug,
			"auto_resize_rootfs":     p.Policy.AutoResizeRootfs,
			"allow_snapshot":         p.Policy.AllowSnapshot,
		},
		"image_builder_options": Map{
			"output_dir":         p.ImageBuilderOptions.OutputDir,
			"extra_image_name":   p.ImageBuilderOptions.ExtraImageName,
			"disabled_services":  Set(p.ImageBuilderOptions.DisabledServices),
			"rootfs_partsize_mb": int64(p.ImageBuilderOptions.RootfsPartSizeMB),
			"add_local_key":      p.ImageBuilderOptions.AddLocalKey,
		},
	}
}

func toStringList(ss []string) []Value {
	out := make([]Value, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}
