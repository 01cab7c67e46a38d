package stages

import (
	"github.com/JakeFAU/policy-crawler/internal/config"
	"github.com/JakeFAU/policy-crawler/internal/pipeline"
)

// Registry returns the closed set of pipelines this crawler can run.
func Registry() *pipeline.Registry {
	reg := pipeline.NewRegistry()
	reg.Register("markets", markets)
	reg.Register("analytics", analytics)
	return reg
}

// markets finds products by keyword and reads their manufacturer details.
func markets(cfg config.Config) ([]pipeline.Stage, error) {
	search, err := NewProductSearch(cfg)
	if err != nil {
		return nil, err
	}
	details, err := NewDetails(cfg)
	if err != nil {
		return nil, err
	}
	return []pipeline.Stage{search, details, NewProductExport(cfg)}, nil
}

// analytics finds websites, locates their privacy policies and downloads them.
func analytics(cfg config.Config) ([]pipeline.Stage, error) {
	search, err := NewWebsiteSearch(cfg)
	if err != nil {
		return nil, err
	}
	policies, err := NewPolicies(cfg)
	if err != nil {
		return nil, err
	}
	download, err := NewDownload(cfg)
	if err != nil {
		return nil, err
	}
	return []pipeline.Stage{search, policies, download, NewWebsiteExport(cfg)}, nil
}
