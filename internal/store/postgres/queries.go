package postgres

const queryInsertSchedule = `
INSERT INTO schedules (id, owner_id, ad_id, target_status, due_at, state, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryGetSchedule = `
SELECT id, owner_id, ad_id, target_status, due_at, state, last_error, created_at, updated_at
FROM schedules
WHERE id = $1
`

const queryListSchedules = `
SELECT id, owner_id, ad_id, target_status, due_at, state, last_error, created_at, updated_at
FROM schedules
WHERE owner_id = $1
  AND ($2 = '' OR ad_id = $2)
ORDER BY due_at ASC
LIMIT $3 OFFSET $4
`

const queryListDueSchedules = `
SELECT id, owner_id, ad_id, target_status, due_at, state, last_error, created_at, updated_at
FROM schedules
WHERE state = 'pending'
  AND due_at <= $1
ORDER BY due_at ASC
LIMIT $2
`

const queryListPendingAll = `
SELECT id, owner_id, ad_id, target_status, due_at, state, last_error, created_at, updated_at
FROM schedules
WHERE state IN ('pending', 'executing')
ORDER BY due_at ASC
LIMIT $1
`

const queryDeleteSchedule = `
DELETE FROM schedules
WHERE id = $1 AND owner_id = $2
  AND state <> 'executing'
RETURNING id
`

const queryGetOwnedScheduleState = `
SELECT state FROM schedules WHERE id = $1 AND owner_id = $2
`

const queryTransitionSchedule = `
UPDATE schedules
SET state = $1, last_error = $2, updated_at = NOW()
WHERE id = $3
  AND state = $4
`

const queryGetScheduleState = `
SELECT state FROM schedules WHERE id = $1
`

const queryResetStuckExecuting = `
WITH stuck AS (
    SELECT id FROM schedules
    WHERE state = 'executing'
      AND updated_at < $1
    ORDER BY updated_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE schedules
SET state = 'failed', last_error = $3, updated_at = NOW()
FROM stuck
WHERE schedules.id = stuck.id
RETURNING schedules.id
`

const queryGetCalendarOwner = `
SELECT owner_id FROM calendar_schedules WHERE ad_id = $1 FOR UPDATE
`

const queryUpsertCalendarSchedule = `
INSERT INTO calendar_schedules (ad_id, owner_id, created_at, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (ad_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
`

const queryDeleteCalendarEntries = `
DELETE FROM calendar_entries WHERE ad_id = $1
`

const queryInsertCalendarEntry = `
INSERT INTO calendar_entries (ad_id, date, start_at, end_at, status_in_window)
VALUES ($1, $2, $3, $4, $5)
`

const queryGetCalendarSchedule = `
SELECT cs.ad_id, cs.owner_id, cs.created_at, cs.updated_at,
       e.date, e.start_at, e.end_at, e.status_in_window
FROM calendar_schedules cs
LEFT JOIN calendar_entries e ON e.ad_id = cs.ad_id
WHERE cs.ad_id = $1 AND cs.owner_id = $2
ORDER BY e.date ASC
`

const queryListCalendarSchedules = `
SELECT cs.ad_id, cs.owner_id, cs.created_at, cs.updated_at,
       e.date, e.start_at, e.end_at, e.status_in_window
FROM calendar_schedules cs
JOIN calendar_entries e ON e.ad_id = cs.ad_id
ORDER BY cs.ad_id, e.date ASC
`

const queryDeleteCalendarDate = `
DELETE FROM calendar_entries
WHERE ad_id = $1
  AND date = $2
  AND EXISTS (SELECT 1 FROM calendar_schedules cs WHERE cs.ad_id = $1 AND cs.owner_id = $3)
RETURNING date
`

const queryDeleteCalendarSchedule = `
DELETE FROM calendar_schedules
WHERE ad_id = $1 AND owner_id = $2
RETURNING ad_id
`

const queryInsertHistory = `
INSERT INTO calendar_history (id, ad_id, owner_id, date, action, executed_at, outcome, error_detail)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryListHistory = `
SELECT id, ad_id, owner_id, date, action, executed_at, outcome, error_detail
FROM calendar_history
WHERE ad_id = $1 AND owner_id = $2
ORDER BY executed_at DESC
LIMIT $3 OFFSET $4
`

const queryListHistoryByAd = `
SELECT id, ad_id, owner_id, date, action, executed_at, outcome, error_detail
FROM calendar_history
WHERE ad_id = $1
`

const queryPurgeHistory = `
DELETE FROM calendar_history
WHERE ad_id = $1 AND owner_id = $2
`

const queryCountSchedulesByState = `
SELECT state, COUNT(*)
FROM schedules
WHERE owner_id = $1
GROUP BY state
`

const queryCountHistoryOutcomes = `
SELECT outcome, COUNT(*)
FROM calendar_history
WHERE owner_id = $1
GROUP BY outcome
`

const queryGetPlatformToken = `
SELECT access_token
FROM platform_accounts
WHERE owner_id = $1
`
