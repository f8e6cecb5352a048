package ui

import (
	"strings"
	"testing"
)

func TestRenderStatus_PlainWhenColorDisabled(t *testing.T) {
	DisableColor()

	for _, s := range []string{"synced", "syncing", "pending_deletion", "error", "other"} {
		if got := RenderStatus(s); !strings.Contains(got, s) {
			t.Errorf("RenderStatus(%q) = %q", s, got)
		}
	}
	if got := RenderPass("ok"); got != "ok" {
		t.Errorf("RenderPass() with ascii profile = %q, want plain text", got)
	}
}
