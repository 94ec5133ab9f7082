package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes はリクエストボディの上限。
const maxBodyBytes = 1 << 20

// passwordSpecialChars はパスワードに1文字以上含める記号。
const passwordSpecialChars = "@$!%*?&"

var (
	usernamePattern   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)
	personNamePattern = regexp.MustCompile(`^[a-zA-Z\s'-]+$`)
)

// SignInInput は資格情報によるサインインの入力。
type SignInInput struct {
	Email     string `json:"email" form:"email" validate:"required,email,max=254"`
	Password  string `json:"password" form:"password" validate:"required,max=128"`
	CSRFToken string `json:"csrfToken" form:"csrfToken"`
}

// SignUpInput はユーザー登録の入力。
type SignUpInput struct {
	Name            string `json:"name" form:"name" validate:"required,min=2,max=50,personname"`
	Username        string `json:"username" form:"username" validate:"required,min=3,max=30,username"`
	Email           string `json:"email" form:"email" validate:"required,email,max=254"`
	Password        string `json:"password" form:"password" validate:"required,min=8,max=128,strongpassword"`
	ConfirmPassword string `json:"confirmPassword" form:"confirmPassword" validate:"required,eqfield=Password"`
	CSRFToken       string `json:"csrfToken" form:"csrfToken"`
}

// CSRFInput はCSRFトークンだけを受け取る入力（サインアウト用）。
type CSRFInput struct {
	CSRFToken string `json:"csrfToken" form:"csrfToken"`
}

// normalize はメールアドレスを小文字化し、前後の空白を取り除く。
func (in *SignInInput) normalize() {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
}

// normalize は各項目の前後の空白を取り除き、ユーザー名とメールアドレスを小文字化する。
func (in *SignUpInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Username = strings.ToLower(strings.TrimSpace(in.Username))
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
}

// errMalformedBody はボディを解釈できないことを表す。
var errMalformedBody = errors.New("リクエストボディを解釈できません")

// decodeBody はJSONまたはフォームのボディを dst に読み込む。
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errMalformedBody
	}
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %v", errMalformedBody, err)
		}
		return nil
	}

	r.Body = body
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if err := binding.MapFormWithTag(dst, r.PostForm, "form"); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return nil
}

// newValidator は入力検証用のバリデータを生成する。
// エラーのフィールド名にはJSONの名前を使う。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "strongpassword", func(fl validator.FieldLevel) bool {
		return isStrongPassword(fl.Field().String())
	})
	mustRegister(v, "username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "personname", func(fl validator.FieldLevel) bool {
		return personNamePattern.MatchString(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("バリデーションの登録に失敗: %s: %v", tag, err))
	}
}

// isStrongPassword は小文字、大文字、数字、記号をそれぞれ1文字以上含むかを返す。
func isStrongPassword(s string) bool {
	var lower, upper, digit, special bool
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(passwordSpecialChars, r):
			special = true
		}
	}
	return lower && upper && digit && special
}

// fieldErrors は検証エラーをフィールド名からメッセージへの対応に変換する。
func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{}
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if _, ok := fields[fe.Field()]; ok {
			continue
		}
		fields[fe.Field()] = fieldMessage(fe)
	}
	return fields
}

func fieldMessage(fe validator.FieldError) string {
	label := fieldLabels[fe.Field()]
	if label == "" {
		label = fe.Field()
	}

	switch fe.Tag() {
	case "required":
		return label + " is required"
	case "email":
		return "Please enter a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", label, fe.Param())
	case "max":
		return fmt.Sprintf("%s cannot exceed %s characters", label, fe.Param())
	case "strongpassword":
		return "Password must contain a lowercase letter, an uppercase letter, a number and a special character (" + passwordSpecialChars + ")"
	case "username":
		return "Username must start with a letter and can only contain letters, numbers, underscores, and hyphens"
	case "personname":
		return "Name can only contain letters, spaces, apostrophes, and hyphens"
	case "eqfield":
		return "Passwords do not match"
	default:
		return label + " is invalid"
	}
}

var fieldLabels = map[string]string{
	"name":            "Name",
	"username":        "Username",
	"email":           "Email",
	"password":        "Password",
	"confirmPassword": "Confirm password",
}
