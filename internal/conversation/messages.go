package conversation

// Supported language codes.
const (
	LangEN = "en"
	LangFA = "fa"
)

// messages is the bilingual registry. Handlers never hardcode user-facing
// text; they resolve it through Msg so the Farsi flow stays complete.
var messages = map[string]map[string]string{
	"start": {
		LangEN: "Welcome to Iranio. Please choose your language.",
		LangFA: "به ایرانيو خوش آمدید. لطفاً زبان خود را انتخاب کنید.",
	},
	"select_language": {
		LangEN: "Choose your language",
		LangFA: "زبان خود را انتخاب کنید",
	},
	"lang_en": {
		LangEN: "English",
		LangFA: "English",
	},
	"lang_fa": {
		LangEN: "فارسی",
		LangFA: "فارسی",
	},
	"main_menu": {
		LangEN: "Main menu",
		LangFA: "منوی اصلی",
	},
	"create_new_ad": {
		LangEN: "Create new ad",
		LangFA: "ثبت آگهی جدید",
	},
	"my_ads": {
		LangEN: "My ads",
		LangFA: "آگهی‌های من",
	},
	"my_ads_empty": {
		LangEN: "You have no submitted ads yet.",
		LangFA: "شما هنوز آگهی ثبت‌شده‌ای ندارید.",
	},
	"enter_ad_text": {
		LangEN: "Enter your ad text",
		LangFA: "متن آگهی را وارد کنید",
	},
	"choose_category": {
		LangEN: "Choose category",
		LangFA: "دسته‌بندی را انتخاب کنید",
	},
	"invalid_category": {
		LangEN: "Please pick a category from the buttons below.",
		LangFA: "لطفاً یکی از دسته‌بندی‌های زیر را انتخاب کنید.",
	},
	"invalid_content": {
		LangEN: "That content is not allowed. Please send plain text for your ad.",
		LangFA: "این محتوا مجاز نیست. لطفاً متن ساده آگهی را ارسال کنید.",
	},
	"confirm_submission": {
		LangEN: "Confirm submission?",
		LangFA: "تأیید می‌کنید؟",
	},
	"confirm_yes": {
		LangEN: "Confirm",
		LangFA: "تأیید",
	},
	"confirm_no": {
		LangEN: "Cancel",
		LangFA: "انصراف",
	},
	"confirm_back": {
		LangEN: "Back",
		LangFA: "بازگشت",
	},
	"confirm_edit": {
		LangEN: "Edit text",
		LangFA: "ویرایش متن",
	},
	"submitted": {
		LangEN: "Your ad has been submitted. We will notify you when it is reviewed.",
		LangFA: "آگهی شما ثبت شد. پس از بررسی به شما اطلاع می‌دهیم.",
	},
	"resubmitted": {
		LangEN: "Your updated ad has been submitted for a new review.",
		LangFA: "آگهی ویرایش‌شده شما برای بررسی مجدد ثبت شد.",
	},
	"resubmit_prompt": {
		LangEN: "Send the corrected text for your rejected ad.\n\nPrevious text:\n%s",
		LangFA: "متن اصلاح‌شده آگهی رد‌شده خود را ارسال کنید.\n\nمتن قبلی:\n%s",
	},
	"resubmit_invalid": {
		LangEN: "This resubmission link is not valid for your account.",
		LangFA: "این پیوند ارسال مجدد برای حساب شما معتبر نیست.",
	},
	"cancel": {
		LangEN: "Cancel",
		LangFA: "انصراف",
	},
	"back": {
		LangEN: "Back",
		LangFA: "بازگشت",
	},
	"add_contact_ask": {
		LangEN: "Do you want to add contact info? (optional)",
		LangFA: "آیا می‌خواهید اطلاعات تماس اضافه کنید؟ (اختیاری)",
	},
	"add_contact": {
		LangEN: "Add contact info",
		LangFA: "افزودن اطلاعات تماس",
	},
	"add_contact_skip": {
		LangEN: "Skip",
		LangFA: "رد کردن",
	},
	"share_phone": {
		LangEN: "Share my phone",
		LangFA: "اشتراک‌گذاری شماره تلفن",
	},
	"contact_email": {
		LangEN: "Email",
		LangFA: "ایمیل",
	},
	"enter_email": {
		LangEN: "Enter your email address",
		LangFA: "آدرس ایمیل را وارد کنید",
	},
	"invalid_email": {
		LangEN: "Invalid email address.",
		LangFA: "آدرس ایمیل نامعتبر است.",
	},
	"contact_unverified": {
		LangEN: "That contact does not belong to your account. Share your own number or skip.",
		LangFA: "این مخاطب متعلق به حساب شما نیست. شماره خودتان را به اشتراک بگذارید یا رد کنید.",
	},
	"contact_saved": {
		LangEN: "Contact info saved.",
		LangFA: "اطلاعات تماس ذخیره شد.",
	},
	"submit_failed": {
		LangEN: "Something went wrong while saving your ad. Please try again.",
		LangFA: "در ذخیره آگهی شما خطایی رخ داد. لطفاً دوباره تلاش کنید.",
	},
	"status_pending": {
		LangEN: "pending review",
		LangFA: "در انتظار بررسی",
	},
	"status_approved": {
		LangEN: "approved",
		LangFA: "تأیید شده",
	},
	"status_rejected": {
		LangEN: "rejected",
		LangFA: "رد شده",
	},
	"status_solved": {
		LangEN: "closed",
		LangFA: "بسته شده",
	},
}

// Msg returns the message for key in the given language, falling back to
// English when the key or language is unknown.
func Msg(key, lang string) string {
	msgs, ok := messages[key]
	if !ok {
		return key
	}
	if m, ok := msgs[lang]; ok {
		return m
	}
	return msgs[LangEN]
}
