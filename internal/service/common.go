package service

// SanitizeLimit проверяет и корректирует значение limit, устанавливая defaultVal, если оно вне [1, max].
func SanitizeLimit(limit *int, defaultVal, max int) {
	if *limit <= 0 || *limit > max {
		*limit = defaultVal
	}
}
