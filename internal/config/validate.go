package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
)

var validate = validator.New()

// Validate checks the configuration once before any processing begins.
// Every failure is reported as an *aggerr.ConfigError.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return &aggerr.ConfigError{Field: "config", Err: formatValidationError(err)}
	}
	if len(cfg.Data.Datasets) == 0 {
		return &aggerr.ConfigError{Field: "data", Err: errors.New("no datasets configured")}
	}
	if _, ok := cfg.Data.Datasets[cfg.Data.DefaultDataset]; !ok {
		return &aggerr.ConfigError{Field: "data.default_dataset", Err: fmt.Errorf("unknown dataset %q", cfg.Data.DefaultDataset)}
	}
	for _, id := range cfg.Data.DatasetIDs() {
		ds := cfg.Data.Datasets[id]
		if !ds.ClusterColumn.IsSet() {
			return &aggerr.ConfigError{Field: "data." + id + ".cluster_column", Err: errors.New("required")}
		}
		if ds.Comma() == '"' || ds.Comma() == '\n' || ds.Comma() == '\r' {
			return &aggerr.ConfigError{Field: "data." + id + ".delimiter", Err: fmt.Errorf("invalid delimiter %q", ds.Delimiter)}
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", ns, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", ns, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
