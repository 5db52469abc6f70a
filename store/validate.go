package store

import (
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"math00ost/models"
)

var (
	validate   *validator.Validate
	translator ut.Translator

	notBlankTag = "notblank"
)

func init() {
	validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(notBlankTag, notBlankValidation)
	_ = validate.RegisterTranslation(
		notBlankTag, translator,
		func(t ut.Translator) error { return t.Add(notBlankTag, "{0} cannot be blank", false) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(notBlankTag, fe.Field())
			return s
		},
	)
}

func notBlankValidation(fl validator.FieldLevel) bool {
	if str, ok := fl.Field().Interface().(string); ok {
		return strings.TrimSpace(str) != ""
	}
	return false
}

type (
	teacherInput struct {
		Name string `json:"teacher" validate:"notblank,max=100"`
	}

	groupInput struct {
		Name string `json:"name" validate:"notblank,max=100"`
	}

	studentInput struct {
		Name string `json:"student" validate:"notblank,max=100"`
	}

	gradeInput struct {
		Value int    `json:"value" validate:"min=1,max=5"`
		Topic string `json:"topic" validate:"max=200"`
	}
)

// check validates v and converts failures to a *models.ValidationError.
func check(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	flds := make([]models.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		flds = append(flds, models.FieldError{Field: fe.Field(), Error: fe.Translate(translator)})
	}
	return models.NewValidationError(flds...)
}

// CleanTeacherName trims name and checks it is a usable teacher key.
func CleanTeacherName(name string) (string, error) {
	name = cleanString(name)
	return name, check(teacherInput{Name: name})
}

// cleanString trims all leading and trailing white space in s.
func cleanString(s string) string {
	return strings.TrimSpace(s)
}
