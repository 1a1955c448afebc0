package fixtures

import (
	_ "embed"
)

//go:embed config/optbench.yaml.template
var ConfigTemplate []byte
