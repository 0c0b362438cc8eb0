package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/yourusername/drmfetch-go/internal/app"
	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/internal/infrastructure"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect and manage the key vault",
}

// withVault opens the configured vault tiers for one command
func withVault(fn func(vault *app.KeyVault, local *infrastructure.SQLiteKeyStore) error) error {
	config, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	vault, local, err := app.OpenKeyVault(config, log)
	if err != nil {
		return err
	}
	defer vault.Close()
	return fn(vault, local)
}

var keysLookupCmd = &cobra.Command{
	Use:   "lookup [kid...]",
	Short: "Look up keys by KID",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		drm, _ := cmd.Flags().GetString("drm")
		licenseURL, _ := cmd.Flags().GetString("license-url")

		return withVault(func(vault *app.KeyVault, _ *infrastructure.SQLiteKeyStore) error {
			hit, err := vault.Lookup(cmd.Context(), domain.KeyQuery{
				LicenseURL: licenseURL,
				DRM:        domain.DRMSystem(drm),
				KIDs:       args,
			})
			if err != nil {
				return err
			}
			if hit == nil {
				fmt.Println(color.YellowString("No keys found"))
				return nil
			}

			scope := "scoped"
			if hit.Unscoped {
				scope = "unscoped"
			}
			fmt.Printf("Found %d keys in %s vault (%s)\n", len(hit.Keys), hit.Tier, scope)
			for _, k := range hit.Keys {
				fmt.Println(k.String())
			}
			return nil
		})
	},
}

var keysAddCmd = &cobra.Command{
	Use:   "add [kid:key...]",
	Short: "Store keys under a protection header",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		drm, _ := cmd.Flags().GetString("drm")
		licenseURL, _ := cmd.Flags().GetString("license-url")
		pssh, _ := cmd.Flags().GetString("pssh")
		label, _ := cmd.Flags().GetString("label")

		if pssh == "" {
			return fmt.Errorf("--pssh is required")
		}
		if drm == "auto" || !domain.ValidateDRMSystem(drm) {
			return fmt.Errorf("invalid --drm %q", drm)
		}
		keys, err := domain.ParseKeyPairs(strings.Join(args, "|"))
		if err != nil {
			return err
		}

		return withVault(func(vault *app.KeyVault, _ *infrastructure.SQLiteKeyStore) error {
			err := vault.Store(cmd.Context(), domain.KeyRecord{
				LicenseURL: licenseURL,
				PSSH:       pssh,
				DRM:        domain.DRMSystem(drm),
				Keys:       keys,
				Label:      label,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Stored %d keys\n", len(keys))
			return nil
		})
	},
}

var keysInvalidateCmd = &cobra.Command{
	Use:   "invalidate [kid]",
	Short: "Mark a stored key as unusable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(func(_ *app.KeyVault, local *infrastructure.SQLiteKeyStore) error {
			n, err := local.InvalidateKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Invalidated %d keys\n", n)
			return nil
		})
	},
}

var keysStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show local key vault statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(func(_ *app.KeyVault, local *infrastructure.SQLiteKeyStore) error {
			stats, err := local.Stats(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println("Key Vault Statistics:")
			fmt.Printf("  Cache entries: %d\n", stats.CacheEntries)
			fmt.Printf("  Keys:          %d\n", stats.Keys)
			fmt.Printf("  Valid keys:    %d\n", stats.ValidKeys)
			for drm, n := range stats.ByDRM {
				fmt.Printf("  %-14s %d\n", drm+":", n)
			}

			if len(stats.MostAccessed) > 0 {
				fmt.Println("\nMost accessed:")
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "DRM\tLICENSE URL\tHITS")
				for _, e := range stats.MostAccessed {
					fmt.Fprintf(w, "%s\t%s\t%d\n", e.DRMType, truncate(e.LicenseURL, 60), e.AccessCount)
				}
				w.Flush()
			}
			return nil
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{keysLookupCmd, keysAddCmd} {
		cmd.Flags().String("drm", "widevine", "DRM system (widevine, playready, clearkey)")
		cmd.Flags().StringP("license-url", "l", "", "License server URL the keys belong to")
	}
	keysAddCmd.Flags().String("pssh", "", "Base64 protection header")
	keysAddCmd.Flags().String("label", "", "Optional label")

	keysCmd.AddCommand(keysLookupCmd, keysAddCmd, keysInvalidateCmd, keysStatsCmd)
}
