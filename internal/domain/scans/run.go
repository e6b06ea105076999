package scans

// Environment variables the worker reads its model configuration from.
const (
	EnvModel            = "TYGR_LLM"
	EnvAPIKey           = "LLM_API_KEY"
	EnvAPIBase          = "LLM_API_BASE"
	EnvPerplexityAPIKey = "PERPLEXITY_API_KEY"
)

// WorkerArgs builds the worker argument vector:
// -n --run-name <name> [--target <t>]... [--instruction <text>]
func WorkerArgs(cfg ScanConfig) []string {
	args := []string{"-n", "--run-name", cfg.RunName}
	for _, t := range cfg.Targets {
		args = append(args, "--target", t.Original)
	}
	if cfg.Instruction != "" {
		args = append(args, "--instruction", cfg.Instruction)
	}
	return args
}

// WorkerEnv appends the LLM configuration to base. Later entries win in
// os/exec, so values in base are overridden.
func WorkerEnv(base []string, llm LLMConfig) []string {
	env := make([]string, 0, len(base)+4)
	env = append(env, base...)
	env = append(env,
		EnvModel+"="+llm.Model,
		EnvAPIKey+"="+llm.APIKey,
	)
	if llm.APIBase != "" {
		env = append(env, EnvAPIBase+"="+llm.APIBase)
	}
	if llm.PerplexityAPIKey != "" {
		env = append(env, EnvPerplexityAPIKey+"="+llm.PerplexityAPIKey)
	}
	return env
}

// BuildWorkerCommand assembles the local invocation for cfg.
func BuildWorkerCommand(executable, dir string, baseEnv []string, cfg ScanConfig) WorkerCommand {
	return WorkerCommand{
		Path: executable,
		Args: WorkerArgs(cfg),
		Env:  WorkerEnv(baseEnv, cfg.LLM),
		Dir:  dir,
	}
}
