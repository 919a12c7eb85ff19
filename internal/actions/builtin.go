package actions

import "github.com/rendis/chainflow/internal/sandbox"

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig, runner *sandbox.Runner) error {
	all := make([]Action, 0, 8)
	all = append(all,
		NewHTTPRequestAction(httpCfg),
		NewCodeRunAction(runner),
	)

	data, err := DataActions()
	if err != nil {
		return err
	}
	all = append(all, data...)

	return reg.Register(all...)
}
