package configuration

import (
	"replicacore/internal/configuration/properties"
	"replicacore/internal/configuration/util"
)

func Load() (*properties.Config, error) {

	cfg, err := util.LoadBaseConfig()
	if err != nil {
		return nil, err
	}

	err = util.LoadProfileConfig(cfg)
	if err != nil {
		return nil, err
	}

	return cfg, err
}
