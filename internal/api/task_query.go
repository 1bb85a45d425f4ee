package api

import (
	"math"
	"net/url"
	"strconv"
	"strings"

	"taskhub/internal/store"

	"github.com/gin-gonic/gin"
)

const msgInvalidPage = "Invalid page."

// orderable 列表允许的排序字段，其余值按默认排序处理。
var orderable = map[string]bool{
	store.OrderCreatedAt: true,
	store.OrderDueDate:   true,
	store.OrderPriority:  true,
}

// pageEnvelope 分页列表的响应结构。
type pageEnvelope struct {
	Count    int64          `json:"count"`
	Next     *string        `json:"next"`
	Previous *string        `json:"previous"`
	Results  []taskResponse `json:"results"`
}

// listQuery 由查询参数解析出的过滤条件与分页位置。
type listQuery struct {
	filter   store.TaskFilter
	page     int
	pageSize int
}

// parseListQuery 解析 search / status / priority / ordering / page / page_size。
// page 不是正整数时返回 false。
func (s *Server) parseListQuery(c *gin.Context) (listQuery, bool) {
	q := listQuery{
		filter: store.TaskFilter{
			Search:   strings.TrimSpace(c.Query("search")),
			Status:   c.Query("status"),
			Priority: c.Query("priority"),
			Ordering: parseOrdering(c.Query("ordering")),
		},
		pageSize: parsePageSize(c.Query("page_size"), s.cfg.App.PageSize, s.cfg.App.MaxPageSize),
	}

	switch raw := strings.TrimSpace(c.Query("page")); raw {
	case "":
		q.page = 1
	default:
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, false
		}
		q.page = n
	}
	return q, true
}

// parseOrdering 解析 "field" 或 "-field"，不在白名单中的字段返回默认排序。
func parseOrdering(raw string) store.Ordering {
	raw = strings.TrimSpace(raw)
	desc := strings.HasPrefix(raw, "-")
	field := strings.TrimPrefix(raw, "-")
	if !orderable[field] {
		return store.Ordering{}
	}
	return store.Ordering{Field: field, Desc: desc}
}

func parsePageSize(raw string, def, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// pageCount 总页数，空结果也算一页。
func pageCount(count int64, pageSize int) int {
	if count == 0 {
		return 1
	}
	return int(math.Ceil(float64(count) / float64(pageSize)))
}

// pageURL 返回当前请求指定页的绝对地址，第 1 页去掉 page 参数。
func pageURL(c *gin.Context, page int) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	} else if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	query := c.Request.URL.Query()
	if page <= 1 {
		query.Del("page")
	} else {
		query.Set("page", strconv.Itoa(page))
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     c.Request.Host,
		Path:     c.Request.URL.Path,
		RawQuery: query.Encode(),
	}
	return u.String()
}

func newPageEnvelope(c *gin.Context, count int64, page, pages int, results []taskResponse) pageEnvelope {
	env := pageEnvelope{Count: count, Results: results}
	if page < pages {
		next := pageURL(c, page+1)
		env.Next = &next
	}
	if page > 1 {
		prev := pageURL(c, page-1)
		env.Previous = &prev
	}
	return env
}
