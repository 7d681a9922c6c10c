package enrich

import (
	"fmt"
	"log/slog"
	"strings"
)

// Names of the built-in providers and plugins, in default order.
var (
	MetaNames   = []string{"geoip", "bgp"}
	PluginNames = []string{"resolver", "urlresolver", "spamhaus", "bgpwhitelist"}
)

// Dependencies are the shared handles injected into providers and plugins.
type Dependencies struct {
	Resolver Resolver
	Geo      GeoLocator
	Logger   *slog.Logger
}

// Build returns the named providers and plugins in the order given.
func Build(meta, plugins []string, deps Dependencies) ([]MetaProvider, []Plugin, error) {
	var (
		outMeta    []MetaProvider
		outPlugins []Plugin
	)
	for _, name := range meta {
		switch strings.ToLower(name) {
		case "geoip":
			if deps.Geo == nil {
				return nil, nil, fmt.Errorf("meta provider geoip needs a geoip database")
			}
			outMeta = append(outMeta, NewGeoIPProvider(deps.Geo))
		case "bgp":
			if deps.Resolver == nil {
				return nil, nil, fmt.Errorf("meta provider bgp needs a resolver")
			}
			outMeta = append(outMeta, NewBGPProvider(deps.Resolver))
		default:
			return nil, nil, fmt.Errorf("unknown meta provider %q", name)
		}
	}

	for _, name := range plugins {
		switch strings.ToLower(name) {
		case "resolver", "spamhaus":
			if deps.Resolver == nil {
				return nil, nil, fmt.Errorf("plugin %s needs a resolver", name)
			}
			if strings.EqualFold(name, "resolver") {
				outPlugins = append(outPlugins, NewDNSPlugin(deps.Resolver, deps.Logger))
			} else {
				outPlugins = append(outPlugins, NewSpamhausPlugin(deps.Resolver))
			}
		case "urlresolver":
			outPlugins = append(outPlugins, NewURLPlugin())
		case "bgpwhitelist":
			outPlugins = append(outPlugins, NewWhitelistPlugin())
		default:
			return nil, nil, fmt.Errorf("unknown plugin %q", name)
		}
	}
	return outMeta, outPlugins, nil
}
