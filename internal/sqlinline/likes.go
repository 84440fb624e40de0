package sqlinline

// QLikePost inserts the edge and moves the counter in one statement. When
// the edge already exists nothing is updated and the current counter comes
// back with applied = false. The outer select reads the pre-statement
// snapshot of posts, so the updated values are taken from upd. A missing post
// fails the insert with foreign_key_violation.
const QLikePost = `--sql 19fe247e-f8aa-4be0-986a-cef6601461fe
with ins as (
  insert into likes(user_id, post_id, created_at)
  values ($1::text, $2::text, $3::timestamptz)
  on conflict (user_id, post_id) do nothing
  returning post_id
), upd as (
  update posts
  set like_count = like_count + 1,
      like_version = like_version + 1,
      updated_at = now()
  where id = (select post_id from ins)
  returning like_count, like_version
)
select coalesce(u.like_count, p.like_count),
       coalesce(u.like_version, p.like_version),
       u.like_count is not null
from posts p
left join upd u on true
where p.id = $2::text;
`

// QUnlikePost is the inverse of QLikePost. The counter never drops below zero.
// No row comes back when the post does not exist.
const QUnlikePost = `--sql 2f2f4596-3382-4944-90f1-8b3a244c6c19
with del as (
  delete from likes
  where user_id = $1::text
    and post_id = $2::text
  returning post_id
), upd as (
  update posts
  set like_count = greatest(like_count - 1, 0),
      like_version = like_version + 1,
      updated_at = now()
  where id = (select post_id from del)
  returning like_count, like_version
)
select coalesce(u.like_count, p.like_count),
       coalesce(u.like_version, p.like_version),
       u.like_count is not null
from posts p
left join upd u on true
where p.id = $2::text;
`

const QLikeExists = `--sql 27746797-6277-4359-9e66-84618d3d0118
select exists(
  select 1 from likes where user_id = $1::text and post_id = $2::text
);
`

const QCountLikesByPost = `--sql 30553e12-74f0-4494-8da9-b4992b71a101
select count(*)
from likes
where post_id = $1::text;
`
