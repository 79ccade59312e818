package httpapi

import (
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys double as the English text.
const (
	msgMissingBVID       = "missing BVID parameter"
	msgInvalidBVID       = "invalid BVID parameter"
	msgInvalidPart       = "invalid part number"
	msgMissingTaskID     = "missing taskId parameter"
	msgTaskNotFound      = "task not found"
	msgVideoNotFound     = "video file not found"
	msgResolveFailed     = "failed to fetch video info"
	msgInvalidBody       = "invalid json body"
	msgNotFound          = "not found"
	msgMethodNotAllowed  = "method not allowed"
	msgInternal          = "internal server error"
	msgSettingsDisabled  = "settings store is not configured"
	msgInvalidSettings   = "invalid cleanup policy or schedule"
	msgStreamUnsupported = "streaming not supported"
)

var supportedLanguages = []language.Tag{
	language.English,
	language.SimplifiedChinese,
}

var (
	languageMatcher = language.NewMatcher(supportedLanguages)
	messages        = buildCatalog()
)

func buildCatalog() catalog.Catalog {
	zh := map[string]string{
		msgMissingBVID:       "缺少 BVID 参数",
		msgInvalidBVID:       "BVID 参数无效",
		msgInvalidPart:       "分P参数无效",
		msgMissingTaskID:     "缺少 taskId 参数",
		msgTaskNotFound:      "任务未找到",
		msgVideoNotFound:     "视频文件未找到",
		msgResolveFailed:     "获取视频信息失败",
		msgInvalidBody:       "无效的 JSON 请求体",
		msgNotFound:          "未找到",
		msgMethodNotAllowed:  "不支持的请求方法",
		msgInternal:          "服务器内部错误",
		msgSettingsDisabled:  "未配置运行时设置",
		msgInvalidSettings:   "清理策略或计划无效",
		msgStreamUnsupported: "不支持流式输出",
	}

	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, text := range zh {
		_ = b.SetString(language.English, key, key)
		_ = b.SetString(language.SimplifiedChinese, key, text)
	}
	return b
}

// printerFor picks a message printer from the Accept-Language header.
func printerFor(r *http.Request) *message.Printer {
	tag := language.English
	if accept := r.Header.Get("Accept-Language"); accept != "" {
		if tags, _, err := language.ParseAcceptLanguage(accept); err == nil && len(tags) > 0 {
			_, idx, conf := languageMatcher.Match(tags...)
			if conf != language.No {
				tag = supportedLanguages[idx]
			}
		}
	}
	return message.NewPrinter(tag, message.Catalog(messages))
}
