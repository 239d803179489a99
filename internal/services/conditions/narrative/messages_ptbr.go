package narrative

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
)

func init() {
	lang := language.BrazilianPortuguese

	message.SetString(lang, messageKey(defaultRow, domain.UrgencyCalm), "%[1]s está sob %[3]s (%[2]s).")
	message.SetString(lang, messageKey(defaultRow, domain.UrgencyWarning), "%[1]s continua sob %[3]s (%[2]s).")
	message.SetString(lang, messageKey(defaultRow, domain.UrgencyCritical), "%[3]s de %[1]s está prestes a mudar (%[2]s).")
	message.SetString(lang, messageKey(string(domain.ConditionPoisoned), domain.UrgencyCritical), "O veneno de %[1]s está quase no fim (%[2]s).")
	message.SetString(lang, messageKey(string(domain.ConditionRestrained), domain.UrgencyCalm), "%[1]s está bem amarrado (%[2]s).")

	message.SetString(lang, "narrative.subject.someone", "Alguém")
	message.SetString(lang, "narrative.rounds.one", "resta 1 rodada")
	message.SetString(lang, "narrative.rounds.other", "restam %d rodadas")
	message.SetString(lang, "narrative.hint."+HintFading, "se esvaindo")
	message.SetString(lang, "narrative.hint."+HintLingering, "persistindo")
	message.SetString(lang, "narrative.hint."+HintPersistent, "estável")
	message.SetString(lang, "narrative.hint."+HintUnknown, "sem fim à vista")
}
