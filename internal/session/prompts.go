package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mirageos/mirage/internal/session/windows"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

const mainSystemPrompt = `You are the desktop orchestrator. You manage windows, notifications, and
applications on the user's desktop by emitting OS actions through your tools.
Respond concisely; prefer acting over explaining.`

const windowSystemPrompt = `You are the agent behind one desktop window. You handle requests scoped to
this window and its content. Emit OS actions through your tools when the
window needs to change.`

// buildMainPrompt assembles the prompt for a main-agent turn: pending desktop
// activity, replayable action sequences, then the user's message.
func buildMainPrompt(task *v1.Task, activity, reloadOptions string) string {
	var b strings.Builder
	if activity != "" {
		b.WriteString(activity)
		b.WriteString("\n")
	}
	if reloadOptions != "" {
		b.WriteString(reloadOptions)
		b.WriteString("\n")
	}
	if block := describeInteractions(task.Interactions); block != "" {
		b.WriteString(block)
		b.WriteString("\n")
	}
	b.WriteString(task.Content)
	return b.String()
}

// describeInteractions renders the interactions attached to a task. Draw
// interactions carry their image data inline since they never enter the
// timeline.
func describeInteractions(interactions []v1.UserInteraction) string {
	if len(interactions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<interactions>\n")
	for i := range interactions {
		in := &interactions[i]
		if in.Kind == v1.InteractionDraw {
			fmt.Fprintf(&b, "- user drew on the screen (image attached, region %s)\n", in.Region)
			continue
		}
		fmt.Fprintf(&b, "- %s", in.Kind)
		if in.WindowTitle != "" {
			fmt.Fprintf(&b, " on window %q", in.WindowTitle)
		}
		if in.Details != "" {
			fmt.Fprintf(&b, ": %s", in.Details)
		}
		b.WriteString("\n")
	}
	b.WriteString("</interactions>\n")
	return b.String()
}

// buildWindowBootstrap renders the first prompt a fresh window agent sees: the
// window it serves plus a short excerpt of the session conversation.
func buildWindowBootstrap(w windows.WindowState, excerpt []v1.ContextMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<window id=%q title=%q>\n", w.ID, w.Title)
	if len(w.AppCommands) > 0 {
		fmt.Fprintf(&b, "This window speaks the app protocol and accepts: %s\n",
			strings.Join(w.AppCommands, ", "))
	}
	b.WriteString("</window>\n")

	if len(excerpt) > 0 {
		b.WriteString("<recent_conversation>\n")
		for _, m := range excerpt {
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		}
		b.WriteString("</recent_conversation>\n")
	}
	return b.String()
}

// componentActionContent synthesizes the message for a UI component click so
// the agent sees it the way it sees typed input.
func componentActionContent(p *v1.ComponentActionPayload) string {
	title := p.WindowTitle
	if title == "" {
		title = p.WindowID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<user_interaction:click>button %q in window %q</user_interaction:click>",
		p.Action, title)
	if p.ComponentPath != "" {
		fmt.Fprintf(&b, "\n<component_path>%s</component_path>", p.ComponentPath)
	}
	if len(p.FormData) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(p.FormData))
	for k := range p.FormData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString("\n<form_data>\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, p.FormData[k])
	}
	b.WriteString("</form_data>")
	return b.String()
}

// actionSummary renders one applied action for the interaction timeline.
func actionSummary(action *v1.OSAction) string {
	target := action.Title
	if target == "" {
		target = action.WindowID
	}
	switch action.Type {
	case v1.ActionWindowCreate:
		return fmt.Sprintf("opened window %q", target)
	case v1.ActionWindowClose:
		return fmt.Sprintf("closed window %q", target)
	case v1.ActionWindowMove:
		return fmt.Sprintf("moved window %q", target)
	case v1.ActionWindowResize:
		return fmt.Sprintf("resized window %q", target)
	case v1.ActionShowNotification:
		return fmt.Sprintf("showed a notification on window %q", target)
	default:
		return ""
	}
}
