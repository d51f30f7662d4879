package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Validate checks the configuration for errors.
//
// Struct tag validation (required fields, ranges, enumerations) runs first,
// followed by the cross-field rules the tags cannot express: the master
// domain must be one of the attached domains, domain ids must be unique,
// the host id must fit the mailbox region, and a mailbox-enabled domain
// needs both extent paths.
func Validate(cfg *Config) error {
	validate := validator.New()

	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Pool.HostID > cfg.Pool.MaxHosts {
		return fmt.Errorf("pool: host_id %d exceeds max_hosts %d",
			cfg.Pool.HostID, cfg.Pool.MaxHosts)
	}

	seen := make(map[uuid.UUID]bool, len(cfg.Domains))
	masterFound := false
	for i, d := range cfg.Domains {
		if seen[d.ID] {
			return fmt.Errorf("domains[%d]: duplicate domain id %s", i, d.ID)
		}
		seen[d.ID] = true

		if d.ID == cfg.Pool.MasterDomain {
			masterFound = true
		}

		if (d.Inbox == "") != (d.Outbox == "") {
			return fmt.Errorf("domains[%d]: inbox and outbox must both be set or both be empty", i)
		}
	}
	if !masterFound {
		return fmt.Errorf("pool: master_domain %s is not in the domains list",
			cfg.Pool.MasterDomain)
	}

	return nil
}
