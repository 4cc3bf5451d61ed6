// Package util 提供通用工具函数。
//
//   - LoadFromEnv / ApplyDefaults / OverlayEnv: struct tag 驱动的配置加载
//   - EnvStr: 单变量读取
//   - ClampInt: 小工具
package util

import (
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/multi-agent/chat-timeline/pkg/logger"
)

// ClampInt 将值限制在 [lo, hi] 范围内。
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EnvStr 读取字符串环境变量，为空时返回 def。
func EnvStr(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

// LoadFromEnv 通过反射从 struct tag 加载环境变量: 先写默认值, 再用已设置的环境变量覆盖。
//
// 支持的 tag:
//   - env:"VAR_NAME"  环境变量名
//   - default:"value" 默认值
//   - min:"N"         最小值 (int)
//
// 支持的字段类型: string, int, bool。
func LoadFromEnv(ptr any) {
	ApplyDefaults(ptr)
	OverlayEnv(ptr)
}

// ApplyDefaults 仅写入 default tag, 不读环境变量。
func ApplyDefaults(ptr any) {
	walkEnvFields(ptr, func(fv reflect.Value, field reflect.StructField) {
		def, ok := field.Tag.Lookup("default")
		if !ok {
			return
		}
		setFieldString(fv, def, field.Tag.Get("min"))
	})
}

// OverlayEnv 仅覆盖环境变量中已设置 (非空) 的字段, 其余字段保持原值。
// 用于 "配置文件 → 环境变量" 的叠加顺序。
func OverlayEnv(ptr any) {
	walkEnvFields(ptr, func(fv reflect.Value, field reflect.StructField) {
		raw, ok := os.LookupEnv(field.Tag.Get("env"))
		if !ok || raw == "" {
			return
		}
		setFieldString(fv, raw, field.Tag.Get("min"))
	})
}

func walkEnvFields(ptr any, fn func(reflect.Value, reflect.StructField)) {
	if ptr == nil {
		logger.Error("util.LoadFromEnv: ptr must not be nil")
		return
	}
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		logger.Error("util.LoadFromEnv: ptr must be a non-nil pointer to struct")
		return
	}
	v := rv.Elem()
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		if field.Tag.Get("env") == "" || !v.Field(i).CanSet() {
			continue
		}
		fn(v.Field(i), field)
	}
}

func setFieldString(fv reflect.Value, raw, minStr string) {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			logger.Warn("util.LoadFromEnv: invalid int, ignored", "value", raw)
			return
		}
		if minStr != "" {
			if minInt, err := strconv.Atoi(minStr); err == nil && n < minInt {
				n = minInt
			}
		}
		fv.SetInt(int64(n))
	case reflect.Bool:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "1", "true", "yes", "on":
			fv.SetBool(true)
		case "0", "false", "no", "off":
			fv.SetBool(false)
		}
	}
}
