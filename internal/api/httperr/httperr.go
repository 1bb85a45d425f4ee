// Package httperr 统一 API 的错误响应格式：
// 字段错误为 {"field": ["msg"]}，其他错误为 {"detail": "msg"}。
package httperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// NonFieldKey 不属于单个字段的校验错误使用的键。
const NonFieldKey = "non_field_errors"

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(jsonTagName)
	}
}

func jsonTagName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	switch name {
	case "-":
		return ""
	case "":
		return fld.Name
	}
	return name
}

// FieldErrors 按字段收集的校验错误。
type FieldErrors map[string][]string

// Add 为字段追加一条错误。
func (f FieldErrors) Add(field, msg string) {
	f[field] = append(f[field], msg)
}

// Has 判断字段是否已有错误。
func (f FieldErrors) Has(field string) bool {
	return len(f[field]) > 0
}

func (f FieldErrors) Empty() bool {
	return len(f) == 0
}

// NonField 构造只含 non_field_errors 的错误。
func NonField(msg string) FieldErrors {
	return FieldErrors{NonFieldKey: {msg}}
}

// FromValidator 将 validator 的错误翻译为字段错误。
func FromValidator(errs validator.ValidationErrors) FieldErrors {
	out := FieldErrors{}
	for _, fe := range errs {
		out.Add(fe.Field(), message(fe))
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "email":
		return "Enter a valid email address."
	case "max":
		return fmt.Sprintf("Ensure this field has no more than %s characters.", fe.Param())
	case "min":
		return fmt.Sprintf("Ensure this field has at least %s characters.", fe.Param())
	case "len":
		return fmt.Sprintf("Ensure this field has exactly %s characters.", fe.Param())
	case "oneof":
		return fmt.Sprintf("\"%v\" is not a valid choice.", fe.Value())
	default:
		return "Invalid value."
	}
}

// Decode 解析并校验请求体。
//
// 校验失败以 FieldErrors 返回（err 为 nil），请求体无法解析时返回 error。
// 空请求体按 {} 处理，由校验规则报告缺失字段。
func Decode(c *gin.Context, obj any) (FieldErrors, error) {
	err := c.ShouldBindJSON(obj)
	if errors.Is(err, io.EOF) {
		err = binding.Validator.ValidateStruct(obj)
	}
	if err == nil {
		return nil, nil
	}

	var verrs validator.ValidationErrors
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &verrs):
		return FromValidator(verrs), nil
	case errors.As(err, &typeErr) && typeErr.Field != "":
		fe := FieldErrors{}
		fe.Add(typeErr.Field, "Incorrect type.")
		return fe, nil
	}
	return nil, err
}

// BindJSON 解析并校验请求体，失败时写入 400 响应并返回 false。
func BindJSON(c *gin.Context, obj any) bool {
	fe, err := Decode(c, obj)
	if err != nil {
		ParseError(c, err)
		return false
	}
	if !fe.Empty() {
		Validation(c, fe)
		return false
	}
	return true
}

// ParseError 写入 400 {"detail": "JSON parse error - ..."}。
func ParseError(c *gin.Context, err error) {
	Detail(c, http.StatusBadRequest, "JSON parse error - "+err.Error())
}

// Detail 写入 {"detail": msg}。
func Detail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": msg})
}

// Validation 写入 400 字段错误。
func Validation(c *gin.Context, errs FieldErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errs)
}

func NotFound(c *gin.Context, msg string) {
	Detail(c, http.StatusNotFound, msg)
}

func Forbidden(c *gin.Context, msg string) {
	Detail(c, http.StatusForbidden, msg)
}

func Unauthorized(c *gin.Context, msg string) {
	Detail(c, http.StatusUnauthorized, msg)
}

// Internal 写入 500，具体错误只记日志不返回给客户端。
func Internal(c *gin.Context) {
	Detail(c, http.StatusInternalServerError, "A server error occurred.")
}

// TooManyRequests 写入 429 并附带 retry_after（秒，向上取整）。
func TooManyRequests(c *gin.Context, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", fmt.Sprint(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"detail":      fmt.Sprintf("Request was throttled. Expected available in %d seconds.", secs),
		"retry_after": secs,
	})
}
