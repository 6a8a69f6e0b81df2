package choices

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// MinAcceptableScore - минимальная оценка, при которой вариант выбора допустим.
const MinAcceptableScore = 50

const baseScore = 50

// ChoiceScore - оценка одного варианта выбора с пояснениями.
type ChoiceScore struct {
	Choice  string   `json:"choice"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// Archetype - тип действия, к которому относится вариант выбора.
type Archetype string

const (
	ArchetypeStealth     Archetype = "stealth"
	ArchetypeCombat      Archetype = "combat"
	ArchetypeExploration Archetype = "exploration"
	ArchetypeSocial      Archetype = "social"
	ArchetypeOther       Archetype = "other"
)

var (
	strongVerbs = []string{
		"sprint", "charge", "investigate", "sneak", "summon", "attack", "climb", "leap",
		"dive", "confront", "chase", "ambush", "sabotage", "decipher", "unlock", "smash",
		"seize", "hurl", "rescue", "infiltrate", "interrogate", "storm", "ignite", "scale",
		"vault", "grab", "steal", "destroy", "descend", "pursue", "barricade", "disarm",
		"negotiate", "challenge", "activate", "shatter", "dash", "strike", "defend", "hack",
	}
	weakVerbs = []string{
		"go", "look", "try", "think", "wait", "stay", "see", "consider", "walk", "decide",
		"continue", "keep", "rest", "watch", "remain",
	}
	passivePatterns = []string{
		"wait and see", "look around", "go back", "stay here", "do nothing", "keep going",
		"think about it", "take a moment", "stand still", "wait for",
	}
	circularPatterns = []string{
		"go back to the start", "return to where", "go home", "back to the beginning",
		"retrace your steps", "return to the entrance", "head back",
	}
	vaguePatterns = []string{
		"something", "somewhere", "maybe", "somehow", "anything", "whatever", "stuff",
		"perhaps", "some kind of",
	}
	concreteNouns = []string{
		"portal", "gate", "enemy", "treasure", "tower", "bridge", "door", "sword", "key",
		"map", "artifact", "guard", "guards", "cave", "ship", "throne", "altar", "vault",
		"engine", "signal", "crystal", "relic", "river", "stairs", "tunnel", "lever",
		"beacon", "dragon", "machine", "terminal", "mirror", "lantern",
	}
	urgencyMarkers = []string{
		"before", "quickly", "now", "immediate", "immediately", "hurry", "rush", "fast",
		"urgent", "last chance", "in time", "at once",
	}
	archetypeKeywords = []struct {
		archetype Archetype
		words     []string
	}{
		{ArchetypeStealth, []string{"sneak", "hide", "shadow", "shadows", "silent", "silently", "stealth", "creep", "infiltrate", "disguise"}},
		{ArchetypeCombat, []string{"attack", "fight", "strike", "duel", "ambush", "battle", "charge", "confront", "smash", "disarm"}},
		{ArchetypeExploration, []string{"explore", "search", "investigate", "climb", "descend", "venture", "map", "scout", "decipher", "examine"}},
		{ArchetypeSocial, []string{"negotiate", "persuade", "bargain", "convince", "ally", "befriend", "interrogate", "bribe"}},
	}
)

var (
	strongVerbRe = wordListRegexp(strongVerbs, `(?:s|es|ed|ing)?`)
	weakVerbRe   = wordListRegexp(weakVerbs, "")
	nounRe       = wordListRegexp(concreteNouns, `(?:s|es)?`)
	urgencyRe    = wordListRegexp(urgencyMarkers, "")
	archetypeRes = buildArchetypeRegexps()
)

// wordListRegexp строит регулярное выражение, совпадающее со словами списка
// как с целыми словами (с необязательным суффиксом).
func wordListRegexp(words []string, suffix string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)` + suffix + `\b`)
}

func buildArchetypeRegexps() map[Archetype]*regexp.Regexp {
	out := make(map[Archetype]*regexp.Regexp, len(archetypeKeywords))
	for _, group := range archetypeKeywords {
		out[group.archetype] = wordListRegexp(group.words, `(?:s|es|ed|ing)?`)
	}
	return out
}

func containsAny(text string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}

// ScoreChoice оценивает вариант выбора по шкале 0..100.
func ScoreChoice(choice string) ChoiceScore {
	text := strings.ToLower(strings.TrimSpace(choice))
	score := baseScore
	var reasons []string

	if verb := strongVerbRe.FindString(text); verb != "" {
		score += 20
		reasons = append(reasons, fmt.Sprintf("strong action verb %q (+20)", verb))
	} else {
		score -= 10
		reasons = append(reasons, "no strong action verb (-10)")
	}

	if verb := weakVerbRe.FindString(text); verb != "" {
		score -= 15
		reasons = append(reasons, fmt.Sprintf("weak verb %q (-15)", verb))
	}
	if p, ok := containsAny(text, passivePatterns); ok {
		score -= 30
		reasons = append(reasons, fmt.Sprintf("passive pattern %q (-30)", p))
	}
	if p, ok := containsAny(text, circularPatterns); ok {
		score -= 25
		reasons = append(reasons, fmt.Sprintf("circular movement %q (-25)", p))
	}
	if p, ok := containsAny(text, vaguePatterns); ok {
		score -= 20
		reasons = append(reasons, fmt.Sprintf("vague wording %q (-20)", p))
	}

	words := len(strings.Fields(text))
	switch {
	case words >= 4 && words <= 10:
		score += 10
		reasons = append(reasons, fmt.Sprintf("good length, %d words (+10)", words))
	case words < 3:
		score -= 10
		reasons = append(reasons, fmt.Sprintf("too short, %d words (-10)", words))
	case words > 12:
		score -= 5
		reasons = append(reasons, fmt.Sprintf("too long, %d words (-5)", words))
	}

	if noun := nounRe.FindString(text); noun != "" {
		score += 15
		reasons = append(reasons, fmt.Sprintf("concrete noun %q (+15)", noun))
	}
	if marker := urgencyRe.FindString(text); marker != "" {
		score += 10
		reasons = append(reasons, fmt.Sprintf("urgency %q (+10)", marker))
	}
	if archetype := ClassifyArchetype(text); archetype != ArchetypeOther {
		score += 10
		reasons = append(reasons, fmt.Sprintf("%s archetype (+10)", archetype))
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return ChoiceScore{Choice: choice, Score: score, Reasons: reasons}
}

// ClassifyArchetype определяет тип действия по ключевым словам.
func ClassifyArchetype(choice string) Archetype {
	for _, group := range archetypeKeywords {
		if archetypeRes[group.archetype].MatchString(choice) {
			return group.archetype
		}
	}
	return ArchetypeOther
}

// ValidateChoices оценивает набор целиком: набор допустим, только если
// каждый вариант набрал не меньше MinAcceptableScore.
func ValidateChoices(choices []string) (bool, []ChoiceScore) {
	scores := make([]ChoiceScore, 0, len(choices))
	valid := true
	for _, c := range choices {
		s := ScoreChoice(c)
		if s.Score < MinAcceptableScore {
			valid = false
		}
		scores = append(scores, s)
	}
	return valid, scores
}

// DiversityResult - результат проверки разнообразия набора.
type DiversityResult struct {
	Diverse bool
	Reason  string
}

// lengthClusterTolerance - допустимое отклонение длины от среднего (в словах),
// при котором длины считаются слишком близкими.
const lengthClusterTolerance = 0.67

// CheckChoiceDiversity проверяет, что варианты отличаются друг от друга:
// разные первые слова и разная длина.
func CheckChoiceDiversity(choices []string) DiversityResult {
	firstWords := make(map[string]string, len(choices))
	lengths := make([]int, 0, len(choices))

	for _, c := range choices {
		fields := strings.Fields(strings.ToLower(c))
		lengths = append(lengths, len(fields))
		if len(fields) == 0 {
			continue
		}
		first := fields[0]
		if prev, ok := firstWords[first]; ok {
			return DiversityResult{Reason: fmt.Sprintf("choices %q and %q start with the same word %q", prev, c, first)}
		}
		firstWords[first] = c
	}

	if len(lengths) < 2 {
		return DiversityResult{Diverse: true}
	}

	minLen, maxLen, sum := lengths[0], lengths[0], 0
	for _, l := range lengths {
		if l < minLen {
			minLen = l
		}
		if l > maxLen {
			maxLen = l
		}
		sum += l
	}
	if minLen == maxLen {
		return DiversityResult{Reason: fmt.Sprintf("all choices have %d words", minLen)}
	}

	if len(lengths) > 2 && maxLen-minLen <= 1 {
		mean := float64(sum) / float64(len(lengths))
		clustered := true
		for _, l := range lengths {
			if math.Abs(float64(l)-mean) > lengthClusterTolerance {
				clustered = false
				break
			}
		}
		if clustered {
			return DiversityResult{Reason: fmt.Sprintf("choice lengths cluster around %.1f words", mean)}
		}
	}

	return DiversityResult{Diverse: true}
}
