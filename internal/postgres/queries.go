package postgres

// Схема принадлежит сервису проектов (Django), здесь только читаем/пишем её таблицы.
const (
	queryGetUserByID = `
		SELECT id, email, COALESCE(github_username, '')
		FROM user_customuser
		WHERE id = $1 AND is_active;
	`

	queryProjectExists = `SELECT EXISTS(SELECT 1 FROM project_project WHERE id = $1);`

	// владелец или участник — одним запросом
	queryProjectHasAccess = `
		SELECT EXISTS(
			SELECT 1 FROM project_project p
			WHERE p.id = $1 AND p.created_by_id = $2
		) OR EXISTS(
			SELECT 1 FROM project_project_contributors c
			WHERE c.project_id = $1 AND c.customuser_id = $2
		);
	`

	queryAppendMessage = `
		INSERT INTO chatapp_chatmessage (sender_id, project_id, message, timestamp)
		VALUES ($1, $2, $3, now())
		RETURNING id, timestamp;
	`

	queryListMessages = `
		SELECT m.id, m.project_id, m.message, m.timestamp,
		       u.id, u.email, COALESCE(u.github_username, '')
		FROM chatapp_chatmessage AS m
		JOIN user_customuser AS u ON u.id = m.sender_id
		WHERE m.project_id = $1
		  AND (
		    $2::timestamptz IS NULL
		    OR m.timestamp > $2
		    OR (m.timestamp = $2 AND m.id > $3)
		  )
		ORDER BY m.timestamp ASC, m.id ASC
		LIMIT $4;
	`
)
