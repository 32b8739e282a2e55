package tools

// RegisterStandard registers the full standard tool set into r. braveKeyFn
// and execCfgFn bind the two tools whose behavior depends on live config.
func RegisterStandard(r *Registry, braveKeyFn BraveAPIKeyFunc, execCfgFn ExecConfigFunc) error {
	all := []*Tool{
		RespondTool,
		NoResponseTool,
		ReadTool,
		OpenFileTool,
		CloseFileTool,
		ListDirTool,
		WriteTool,
		StrReplaceTool,
		NewBraveSearchTool(braveKeyFn),
		ReadSkillTool,
		NewExecTool(execCfgFn),
		ScheduleTool,
		SessionInfoTool,
	}
	for _, t := range all {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
