package conversation

import (
	"github.com/go-telegram/bot/models"

	"github.com/iraniu/adsbot/internal/database"
)

func languageKeyboard() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: Msg("lang_en", LangEN), CallbackData: cbLangEN},
				{Text: Msg("lang_fa", LangFA), CallbackData: cbLangFA},
			},
		},
	}
}

func menuKeyboard(lang string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{{Text: Msg("create_new_ad", lang), CallbackData: cbCreateAd}},
			{{Text: Msg("my_ads", lang), CallbackData: cbMyAds}},
			{{Text: Msg("add_contact", lang), CallbackData: cbAddContact}},
		},
	}
}

func categoryKeyboard(cats []database.Category, lang string) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(cats))
	for _, c := range cats {
		name := c.NameEN
		if lang == LangFA {
			name = c.NameFA
		}
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: name, CallbackData: cbCategory + c.Key},
		})
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func confirmKeyboard(lang string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: Msg("confirm_yes", lang), CallbackData: cbConfirmYes},
				{Text: Msg("confirm_no", lang), CallbackData: cbConfirmNo},
			},
			{
				{Text: Msg("confirm_back", lang), CallbackData: cbConfirmBack},
				{Text: Msg("confirm_edit", lang), CallbackData: cbConfirmEdit},
			},
		},
	}
}

// contactKeyboard is a reply keyboard: sharing a phone number is only
// possible through a request_contact button.
func contactKeyboard(lang string) *models.ReplyKeyboardMarkup {
	return &models.ReplyKeyboardMarkup{
		Keyboard: [][]models.KeyboardButton{
			{{Text: Msg("share_phone", lang), RequestContact: true}},
			{{Text: Msg("contact_email", lang)}},
			{{Text: Msg("add_contact_skip", lang)}},
		},
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
}

func resubmitConfirmKeyboard(lang string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: Msg("confirm_yes", lang), CallbackData: cbConfirmYes},
				{Text: Msg("confirm_no", lang), CallbackData: cbConfirmNo},
			},
		},
	}
}
