package service

import (
	"fmt"
	"strings"

	"visual-novel-server/internal/choices"
	"visual-novel-server/internal/domain"
)

// StoryPhase определяет фазу истории по числу сгенерированных сегментов.
func StoryPhase(segmentCount int) string {
	switch {
	case segmentCount < 2:
		return PhaseOpening
	case segmentCount < 5:
		return PhaseRising
	default:
		return PhaseClimax
	}
}

var phaseHints = map[string][]string{
	PhaseOpening: {
		"Let the protagonist explore the setting or meet someone new",
		"Hint at the central mystery without resolving it",
	},
	PhaseRising: {
		"Raise the stakes or introduce an obstacle",
		"Offer at least one choice that changes location",
	},
	PhaseClimax: {
		"Push toward a decisive confrontation or revelation",
		"Make the consequences of each choice feel irreversible",
	},
}

func progressionHints(phase string) []string {
	return append([]string(nil), phaseHints[phase]...)
}

// BuildStoryContext собирает текстовое описание истории для генератора вариантов.
func BuildStoryContext(story *domain.Story, segments []*domain.StorySegment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Premise: %s\n", story.InitialPrompt)
	for _, seg := range segments {
		fmt.Fprintf(&b, "Scene %d: %s\n", seg.Position+1, seg.Prompt)
		if seg.SelectedChoice != "" {
			fmt.Fprintf(&b, "Player chose: %s\n", seg.SelectedChoice)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildContinuationPrompt формирует промпт видео для следующей сцены.
func BuildContinuationPrompt(story *domain.Story, segments []*domain.StorySegment, choice string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Continue the story. Premise: %s\n", story.InitialPrompt)
	if n := len(segments); n > 0 {
		fmt.Fprintf(&b, "Previous scene: %s\n", segments[n-1].Prompt)
	}
	fmt.Fprintf(&b, "Next scene: the protagonist decides to %s.", strings.TrimSuffix(choice, "."))
	return b.String()
}

// choiceHistory возвращает все варианты, уже предложенные в истории.
func choiceHistory(segments []*domain.StorySegment) []string {
	var out []string
	for _, seg := range segments {
		out = append(out, seg.Choices...)
	}
	return out
}

// recentChoiceTypes возвращает архетипы последних выборов игрока.
func recentChoiceTypes(segments []*domain.StorySegment) []string {
	var types []string
	for i := len(segments) - 1; i >= 0 && len(types) < recentChoiceWindow; i-- {
		if c := segments[i].SelectedChoice; c != "" {
			types = append(types, string(choices.ClassifyArchetype(c)))
		}
	}
	return types
}
