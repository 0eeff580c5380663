package analysis

import (
	"context"

	"earshot/internal/store"
)

// DefaultPromptSetting is the settings key holding the operator-edited
// default analysis prompt.
const DefaultPromptSetting = "default_analysis_prompt"

// DefaultPrompt is used when neither a group prompt nor a settings override
// exists.
const DefaultPrompt = `You are an expert financial analyst.
Analyze the provided earnings call transcript and provide a detailed summary,
highlighting key financial metrics, strategic initiatives, and potential risks.`

// ResolvePrompt picks the effective system prompt for an equity: the
// stock_summary_prompt of its most recently joined active group, else the
// stored default, else the built-in default.
func ResolvePrompt(ctx context.Context, st *store.Store, equityID int64) (string, error) {
	groups, err := st.ActiveGroupsForEquity(ctx, equityID)
	if err != nil {
		return "", err
	}
	for _, group := range groups {
		if group.StockSummaryPrompt != "" {
			return group.StockSummaryPrompt, nil
		}
	}
	return st.GetSetting(ctx, DefaultPromptSetting, DefaultPrompt)
}
