package narrative

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	for urgency, text := range defaultTemplates {
		message.SetString(lang, messageKey(defaultRow, urgency), text)
	}
	for key, row := range templates {
		for urgency, text := range row {
			message.SetString(lang, messageKey(string(key), urgency), text)
		}
	}

	message.SetString(lang, "narrative.subject.someone", "Someone")
	message.SetString(lang, "narrative.rounds.one", "1 round left")
	message.SetString(lang, "narrative.rounds.other", "%d rounds left")
	message.SetString(lang, "narrative.hint."+HintFading, "fading fast")
	message.SetString(lang, "narrative.hint."+HintLingering, "lingering")
	message.SetString(lang, "narrative.hint."+HintPersistent, "holding steady")
	message.SetString(lang, "narrative.hint."+HintUnknown, "no end in sight")
}
