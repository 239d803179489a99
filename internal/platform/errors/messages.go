package errors

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	en := language.English
	message.SetString(en, "error.UNKNOWN", "Something went wrong. Please try again.")
	message.SetString(en, "error.GROUP_ID_REQUIRED", "A group is required.")
	message.SetString(en, "error.MAP_ID_REQUIRED", "A map is required.")
	message.SetString(en, "error.TOKEN_ID_REQUIRED", "A token is required.")
	message.SetString(en, "error.CONDITION_KEY_REQUIRED", "A condition is required.")
	message.SetString(en, "error.INVALID_ROUNDS", "Rounds must be zero or more.")
	message.SetString(en, "error.INVALID_PAYLOAD", "The request could not be read.")
	message.SetString(en, "error.SUMMARY_VERSION_FORMAT", "The summary version is not a valid timestamp.")
	message.SetString(en, "error.PLAYER_TOKEN_MISSING", "Sign in to continue.")
	message.SetString(en, "error.PLAYER_TOKEN_INVALID", "Your session is not valid.")
	message.SetString(en, "error.PLAYER_TOKEN_EXPIRED", "Your session has expired.")
	message.SetString(en, "error.PLAYER_TOKEN_MISMATCH", "Your session was issued for another table.")
	message.SetString(en, "error.NOT_GROUP_MEMBER", "You are not part of this group.")
	message.SetString(en, "error.RATE_LIMITED", "Too many edits. Slow down and try again shortly.")
	message.SetString(en, "error.CIRCUIT_OPEN", "Edits are paused for this map. Try again shortly.")
	message.SetString(en, "error.SUMMARY_VERSION_CONFLICT", "The table has changed since you last looked.")
	message.SetString(en, "error.CONDITION_NOT_ACTIVE", "That condition is no longer active.")
	message.SetString(en, "error.NOT_FOUND", "Not found.")

	pt := language.BrazilianPortuguese
	message.SetString(pt, "error.UNKNOWN", "Algo deu errado. Tente novamente.")
	message.SetString(pt, "error.GROUP_ID_REQUIRED", "Um grupo é obrigatório.")
	message.SetString(pt, "error.MAP_ID_REQUIRED", "Um mapa é obrigatório.")
	message.SetString(pt, "error.TOKEN_ID_REQUIRED", "Um token é obrigatório.")
	message.SetString(pt, "error.CONDITION_KEY_REQUIRED", "Uma condição é obrigatória.")
	message.SetString(pt, "error.INVALID_ROUNDS", "As rodadas devem ser zero ou mais.")
	message.SetString(pt, "error.INVALID_PAYLOAD", "Não foi possível ler a requisição.")
	message.SetString(pt, "error.SUMMARY_VERSION_FORMAT", "A versão do resumo não é um horário válido.")
	message.SetString(pt, "error.PLAYER_TOKEN_MISSING", "Entre para continuar.")
	message.SetString(pt, "error.PLAYER_TOKEN_INVALID", "Sua sessão não é válida.")
	message.SetString(pt, "error.PLAYER_TOKEN_EXPIRED", "Sua sessão expirou.")
	message.SetString(pt, "error.PLAYER_TOKEN_MISMATCH", "Sua sessão foi emitida para outra mesa.")
	message.SetString(pt, "error.NOT_GROUP_MEMBER", "Você não faz parte deste grupo.")
	message.SetString(pt, "error.RATE_LIMITED", "Edições demais. Aguarde um pouco e tente novamente.")
	message.SetString(pt, "error.CIRCUIT_OPEN", "As edições deste mapa estão pausadas. Tente novamente em breve.")
	message.SetString(pt, "error.SUMMARY_VERSION_CONFLICT", "A mesa mudou desde a sua última visualização.")
	message.SetString(pt, "error.CONDITION_NOT_ACTIVE", "Essa condição não está mais ativa.")
	message.SetString(pt, "error.NOT_FOUND", "Não encontrado.")
}
